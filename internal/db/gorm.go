package db

import (
	"fmt"
	"log"
	"os"
	"time"

	"github.com/pkg/errors"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/Pasivchik/twitter-back/internal/config"
)

type (
	GormForkedModel struct {
		ID        uint64 `gorm:"primarykey"`
		CreatedAt time.Time
		UpdatedAt time.Time
	}

	User struct {
		GormForkedModel
		Name   string  `gorm:"size:50;not null"`
		APIKey string  `gorm:"size:100;uniqueIndex;not null"`
		Tweets []Tweet `gorm:"constraint:OnDelete:CASCADE"`
		Likes  []Like  `gorm:"constraint:OnDelete:CASCADE"`
	}

	Tweet struct {
		GormForkedModel
		Content string  `gorm:"not null"`
		UserID  *uint64 `gorm:"index"`
		User    *User
		Likes   []Like  `gorm:"constraint:OnDelete:CASCADE"`
		Medias  []Media `gorm:"many2many:tweet_media;constraint:OnDelete:CASCADE"`
	}

	// Like is unique per (tweet, user) pair.
	Like struct {
		GormForkedModel
		TweetID uint64 `gorm:"not null;uniqueIndex:uidx_like_tweet_user;index"`
		UserID  uint64 `gorm:"not null;uniqueIndex:uidx_like_tweet_user;index"`
	}

	// Subscribe is a directed follow edge, unique per (subscriber, target)
	// pair. Nothing at this level stops subscriber == target; that is
	// rejected in the handler.
	Subscribe struct {
		GormForkedModel
		SubscriberID uint64 `gorm:"not null;uniqueIndex:uidx_subscribe_pair;index"`
		TargetID     uint64 `gorm:"not null;uniqueIndex:uidx_subscribe_pair;index"`
		Subscriber   User   `gorm:"foreignKey:SubscriberID;constraint:OnDelete:CASCADE"`
		Target       User   `gorm:"foreignKey:TargetID;constraint:OnDelete:CASCADE"`
	}

	// Media rows are deduplicated by FileName and never deleted; rows
	// orphaned by tweet deletion stay behind.
	Media struct {
		GormForkedModel
		FileName string  `gorm:"uniqueIndex;not null"`
		FilePath string  `gorm:"not null"`
		Tweets   []Tweet `gorm:"many2many:tweet_media;"`
	}
)

// TableName pins the singular table name; the pluralizer is unreliable
// for "media".
func (Media) TableName() string { return "media" }

func NewGormClient(cfg *config.Config) (*gorm.DB, error) {
	newLogger := logger.New(log.New(os.Stdout, "\r\n", log.LstdFlags), logger.Config{
		SlowThreshold:             200 * time.Millisecond,
		LogLevel:                  logger.Warn,
		Colorful:                  true,
		IgnoreRecordNotFoundError: true,
	})

	dsn := fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%s sslmode=%s",
		cfg.DBHost, cfg.DBUser, cfg.DBPassword, cfg.DBName, cfg.DBPort, cfg.DBSSLMode)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger:         newLogger,
		TranslateError: true,
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to connect database")
	}

	if err := Bootstrap(db); err != nil {
		return nil, err
	}

	return db, nil
}

// Bootstrap migrates the schema and makes sure the fixed seed users exist.
// It runs once at startup and is safe to run repeatedly.
func Bootstrap(db *gorm.DB) error {
	if err := db.AutoMigrate(&User{}); err != nil {
		return errors.Wrap(err, "migrate user")
	}
	if err := db.AutoMigrate(&Tweet{}); err != nil {
		return errors.Wrap(err, "migrate tweet")
	}
	if err := db.AutoMigrate(&Like{}); err != nil {
		return errors.Wrap(err, "migrate like")
	}
	if err := db.AutoMigrate(&Subscribe{}); err != nil {
		return errors.Wrap(err, "migrate subscribe")
	}
	if err := db.AutoMigrate(&Media{}); err != nil {
		return errors.Wrap(err, "migrate media")
	}

	seeds := []User{
		{Name: "test", APIKey: "test"},
		{Name: "test_two", APIKey: "test_two"},
	}
	for _, seed := range seeds {
		existing := User{}
		res := db.Where("api_key = ?", seed.APIKey).First(&existing)
		if res.Error == nil {
			continue
		}
		if !errors.Is(res.Error, gorm.ErrRecordNotFound) {
			return errors.Wrap(res.Error, "find seed user")
		}
		if err := db.Create(&seed).Error; err != nil {
			return errors.Wrap(err, "create seed user")
		}
	}

	return nil
}
