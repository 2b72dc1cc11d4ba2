package models

type TweetReq struct {
	TweetData     string   `json:"tweet_data" validate:"required"`
	TweetMediaIDs []uint64 `json:"tweet_media_ids"`
}

type TweetCreateResp struct {
	Result  bool   `json:"result"`
	TweetID uint64 `json:"tweet_id"`
}

type MediaCreateResp struct {
	Result  bool   `json:"result"`
	MediaID uint64 `json:"media_id"`
}

type ResultResp struct {
	Result bool `json:"result"`
}

type ErrorResp struct {
	Result       bool   `json:"result"`
	ErrorType    string `json:"error_type"`
	ErrorMessage string `json:"error_message"`
}

// UserRef is a short user reference used in follower/following lists.
type UserRef struct {
	ID   uint64 `json:"id"`
	Name string `json:"name"`
}

// LikeRef identifies one liker of a tweet.
type LikeRef struct {
	UserID uint64 `json:"user_id"`
	Name   string `json:"name"`
}

type TweetResp struct {
	ID          uint64    `json:"id"`
	Content     string    `json:"content"`
	Attachments []string  `json:"attachments"`
	Author      *UserRef  `json:"author"`
	Likes       []LikeRef `json:"likes"`
}

type TweetListResp struct {
	Result bool        `json:"result"`
	Tweets []TweetResp `json:"tweets"`
}

type UserProfile struct {
	ID        uint64    `json:"id"`
	Name      string    `json:"name"`
	Followers []UserRef `json:"followers"`
	Following []UserRef `json:"following"`
}

type UserProfileResp struct {
	Result bool        `json:"result"`
	User   UserProfile `json:"user"`
}
