package service

import (
	"io"
	"path/filepath"

	"github.com/Masterminds/squirrel"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/Pasivchik/twitter-back/internal/db"
	"github.com/Pasivchik/twitter-back/internal/media"
	"github.com/Pasivchik/twitter-back/internal/models"
)

var (
	ErrUserNotFound      = errors.New("user does not exist")
	ErrTweetNotFound     = errors.New("tweet does not exist")
	ErrLikeNotFound      = errors.New("like does not exist")
	ErrSubscribeNotFound = errors.New("subscription does not exist")
	ErrTweetNotOwned     = errors.New("tweet belongs to another user")
	ErrLikeNotOwned      = errors.New("like belongs to another user")
	ErrMediaNotFound     = errors.New("one or more media files not found")
	ErrAlreadyLiked      = errors.New("tweet is already liked")
	ErrAlreadySubscribed = errors.New("already following")
	ErrSelfSubscribe     = errors.New("cannot follow yourself")
)

type General struct {
	db     *gorm.DB
	media  *media.Store
	logger *zap.SugaredLogger
}

func NewGeneral(db *gorm.DB, store *media.Store, l *zap.SugaredLogger) *General {
	return &General{
		db:     db,
		media:  store,
		logger: l,
	}
}

// UserByAPIKey resolves the opaque credential to a user. The lookup is a
// plain equality match against the stored key; there is no hashing or
// expiry, which is unsuitable for a real deployment but is the contract
// the clients rely on.
func (s *General) UserByAPIKey(apiKey string) (*db.User, error) {
	if apiKey == "" {
		return nil, ErrUserNotFound
	}
	user := db.User{}
	res := s.db.Where("api_key = ?", apiKey).First(&user)
	if res.Error != nil {
		if errors.Is(res.Error, gorm.ErrRecordNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, errors.Wrap(res.Error, "find user by api key")
	}
	return &user, nil
}

func (s *General) UserByID(id uint64) (*db.User, error) {
	user := db.User{}
	res := s.db.First(&user, id)
	if res.Error != nil {
		if errors.Is(res.Error, gorm.ErrRecordNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, errors.Wrap(res.Error, "find user by id")
	}
	return &user, nil
}

// TweetCreate inserts the tweet and attaches the requested media inside one
// transaction. When any requested media id does not resolve the whole
// operation rolls back and no tweet is left behind.
func (s *General) TweetCreate(user *db.User, content string, mediaIDs []uint64) (*db.Tweet, error) {
	model := db.Tweet{
		Content: content,
		UserID:  &user.ID,
	}

	err := s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&model).Error; err != nil {
			return errors.Wrap(err, "create tweet")
		}

		if len(mediaIDs) == 0 {
			return nil
		}

		medias := make([]db.Media, 0, len(mediaIDs))
		if err := tx.Where("id IN ?", mediaIDs).Find(&medias).Error; err != nil {
			return errors.Wrap(err, "find media")
		}
		if len(medias) != len(mediaIDs) {
			return ErrMediaNotFound
		}
		if err := tx.Model(&model).Association("Medias").Append(&medias); err != nil {
			return errors.Wrap(err, "attach media")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return &model, nil
}

func (s *General) TweetByID(id uint64) (*db.Tweet, error) {
	tweet := db.Tweet{}
	res := s.db.First(&tweet, id)
	if res.Error != nil {
		if errors.Is(res.Error, gorm.ErrRecordNotFound) {
			return nil, ErrTweetNotFound
		}
		return nil, errors.Wrap(res.Error, "find tweet")
	}
	return &tweet, nil
}

// TweetDelete removes the tweet row; the schema cascades its likes and
// media associations while media rows themselves survive.
func (s *General) TweetDelete(user *db.User, tweet *db.Tweet) error {
	if tweet.UserID == nil || *tweet.UserID != user.ID {
		return ErrTweetNotOwned
	}
	res := s.db.Delete(&db.Tweet{}, tweet.ID)
	if res.Error != nil {
		return errors.Wrap(res.Error, "delete tweet")
	}
	return nil
}

// LikeCreate inserts a like. Self-likes are allowed; liking the same tweet
// twice trips the unique pair index.
func (s *General) LikeCreate(user *db.User, tweetID uint64) (*db.Like, error) {
	model := db.Like{
		TweetID: tweetID,
		UserID:  user.ID,
	}
	if err := s.db.Create(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, ErrAlreadyLiked
		}
		return nil, errors.Wrap(err, "create like")
	}
	return &model, nil
}

func (s *General) LikeByID(id uint64) (*db.Like, error) {
	like := db.Like{}
	res := s.db.First(&like, id)
	if res.Error != nil {
		if errors.Is(res.Error, gorm.ErrRecordNotFound) {
			return nil, ErrLikeNotFound
		}
		return nil, errors.Wrap(res.Error, "find like")
	}
	return &like, nil
}

func (s *General) LikeDelete(user *db.User, like *db.Like) error {
	if like.UserID != user.ID {
		return ErrLikeNotOwned
	}
	res := s.db.Delete(&db.Like{}, like.ID)
	if res.Error != nil {
		return errors.Wrap(res.Error, "delete like")
	}
	return nil
}

// SubscribeCreate adds a follow edge from user to the target. The self-follow
// check runs before any write; the target is looked up explicitly so a
// missing target surfaces as a clean not-found instead of a constraint
// violation at commit time.
func (s *General) SubscribeCreate(user *db.User, targetID uint64) (*db.Subscribe, error) {
	if targetID == user.ID {
		return nil, ErrSelfSubscribe
	}
	if _, err := s.UserByID(targetID); err != nil {
		return nil, err
	}

	model := db.Subscribe{
		SubscriberID: user.ID,
		TargetID:     targetID,
	}
	if err := s.db.Create(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, ErrAlreadySubscribed
		}
		return nil, errors.Wrap(err, "create subscribe")
	}
	return &model, nil
}

// SubscribeDelete removes the edge identified by the (actor, target) pair.
// Ownership is implicit in the lookup shape, so besides success only
// not-found is reachable here.
func (s *General) SubscribeDelete(user *db.User, targetID uint64) error {
	sub := db.Subscribe{}
	res := s.db.Where("subscriber_id = ? AND target_id = ?", user.ID, targetID).First(&sub)
	if res.Error != nil {
		if errors.Is(res.Error, gorm.ErrRecordNotFound) {
			return ErrSubscribeNotFound
		}
		return errors.Wrap(res.Error, "find subscribe")
	}
	if err := s.db.Delete(&db.Subscribe{}, sub.ID).Error; err != nil {
		return errors.Wrap(err, "delete subscribe")
	}
	return nil
}

// TweetList returns every tweet, newest first, expanded with author, media
// paths and likers. Likes whose user no longer resolves are dropped by the
// inner join.
func (s *General) TweetList() ([]models.TweetResp, error) {
	tweets := make([]db.Tweet, 0)
	res := s.db.Preload("Medias").Preload("User").Order("id DESC").Find(&tweets)
	if res.Error != nil {
		return nil, errors.Wrap(res.Error, "find tweets")
	}

	type likeRow struct {
		TweetID uint64
		UserID  uint64
		Name    string
	}
	sql, args, err := squirrel.
		Select("l.tweet_id", "l.user_id", "u.name").
		From("likes l").
		Join("users u ON u.id = l.user_id").
		OrderBy("l.id").
		ToSql()
	if err != nil {
		return nil, errors.Wrap(err, "build sql")
	}
	likeRows := make([]likeRow, 0)
	if err := s.db.Raw(sql, args...).Scan(&likeRows).Error; err != nil {
		return nil, errors.Wrap(err, "scan likes")
	}

	likesByTweet := make(map[uint64][]models.LikeRef, len(likeRows))
	for _, row := range likeRows {
		likesByTweet[row.TweetID] = append(likesByTweet[row.TweetID], models.LikeRef{
			UserID: row.UserID,
			Name:   row.Name,
		})
	}

	resp := make([]models.TweetResp, len(tweets))
	for i := range tweets {
		attachments := make([]string, len(tweets[i].Medias))
		for j := range tweets[i].Medias {
			attachments[j] = tweets[i].Medias[j].FilePath
		}

		var author *models.UserRef
		if tweets[i].User != nil {
			author = &models.UserRef{
				ID:   tweets[i].User.ID,
				Name: tweets[i].User.Name,
			}
		}

		likes := likesByTweet[tweets[i].ID]
		if likes == nil {
			likes = make([]models.LikeRef, 0)
		}

		resp[i] = models.TweetResp{
			ID:          tweets[i].ID,
			Content:     tweets[i].Content,
			Attachments: attachments,
			Author:      author,
			Likes:       likes,
		}
	}
	return resp, nil
}

// UserProfile builds the shared profile payload: followers are the users
// subscribed to this one, following the users this one subscribes to, both
// most recent edge first. Edges whose other side no longer resolves are
// skipped by the inner join.
func (s *General) UserProfile(user *db.User) (*models.UserProfile, error) {
	followers, err := s.profileEdges("s.subscriber_id", squirrel.Eq{"s.target_id": user.ID})
	if err != nil {
		return nil, errors.Wrap(err, "load followers")
	}
	following, err := s.profileEdges("s.target_id", squirrel.Eq{"s.subscriber_id": user.ID})
	if err != nil {
		return nil, errors.Wrap(err, "load following")
	}

	return &models.UserProfile{
		ID:        user.ID,
		Name:      user.Name,
		Followers: followers,
		Following: following,
	}, nil
}

func (s *General) profileEdges(joinColumn string, where squirrel.Eq) ([]models.UserRef, error) {
	sql, args, err := squirrel.
		Select("u.id", "u.name").
		From("subscribes s").
		Join("users u ON u.id = " + joinColumn).
		Where(where).
		OrderBy("s.id DESC").
		ToSql()
	if err != nil {
		return nil, errors.Wrap(err, "build sql")
	}

	refs := make([]models.UserRef, 0)
	if err := s.db.Raw(sql, args...).Scan(&refs).Error; err != nil {
		return nil, errors.Wrap(err, "scan edges")
	}
	return refs, nil
}

// MediaUpload stores one uploaded file. Uploads are deduplicated by the
// original file name, not by content: a second upload under a known name
// returns the existing row and writes nothing. The name is reduced to its
// base component up front so the dedup key always matches the storage key.
func (s *General) MediaUpload(fileName string, src io.Reader) (*db.Media, error) {
	fileName = filepath.Base(fileName)

	existing := db.Media{}
	res := s.db.Where("file_name = ?", fileName).First(&existing)
	if res.Error == nil {
		return &existing, nil
	}
	if !errors.Is(res.Error, gorm.ErrRecordNotFound) {
		return nil, errors.Wrap(res.Error, "find media by name")
	}

	path, err := s.media.Save(fileName, src)
	if err != nil {
		return nil, errors.Wrap(err, "save file")
	}

	model := db.Media{
		FileName: fileName,
		FilePath: path,
	}
	if err := s.db.Create(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			// lost a race against a concurrent upload of the same name
			if res := s.db.Where("file_name = ?", fileName).First(&existing); res.Error == nil {
				return &existing, nil
			}
		}
		return nil, errors.Wrap(err, "create media")
	}
	return &model, nil
}
