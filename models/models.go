package models

import "time"

// EntityType names a remote listing the collector pages through
type EntityType string

const (
	EntityPosts    EntityType = "posts"
	EntityAgents   EntityType = "agents"
	EntitySubmolts EntityType = "submolts"
)

// Agent is a Moltbook account as last reported by the remote API.
// FirstSeen is written once, LastActive only ever moves forward.
type Agent struct {
	Id             string `json:"id"`
	Name           string `json:"name"`
	Description    string `json:"description"`
	Karma          int64  `json:"karma"`
	FollowerCount  int64  `json:"followerCount"`
	FollowingCount int64  `json:"followingCount"`
	OwnerHandle    string `json:"ownerHandle,omitempty"`
	IsClaimed      bool   `json:"isClaimed"`
	AvatarUrl      string `json:"avatarUrl,omitempty"`
	CreatedAt      int64  `json:"createdAt,omitempty"`
	FirstSeen      int64  `json:"firstSeen"`
	LastActive     int64  `json:"lastActive"`
	RefreshedAt    int64  `json:"refreshedAt"`
}

// Post model with key fields from the post. AuthorId and SubmoltId are weak
// references and may point at entities the store has not seen yet.
type Post struct {
	Id           string `json:"id"`
	AuthorId     string `json:"authorId"`
	AuthorName   string `json:"authorName"`
	SubmoltId    string `json:"submoltId"`
	Title        string `json:"title"`
	Body         string `json:"body"`
	Url          string `json:"url,omitempty"`
	CreatedAt    int64  `json:"createdAt"`
	Upvotes      int64  `json:"upvotes"`
	Downvotes    int64  `json:"downvotes"`
	CommentCount int64  `json:"commentCount"`
	IsPinned     bool   `json:"isPinned"`
	Language     string `json:"language,omitempty"`
	FirstSeen    int64  `json:"firstSeen"`
}

func (p Post) Score() int64 {
	return p.Upvotes - p.Downvotes
}

// Text is the title and body joined, the input for trends and sentiment
func (p Post) Text() string {
	switch {
	case p.Title == "":
		return p.Body
	case p.Body == "":
		return p.Title
	}
	return p.Title + " " + p.Body
}

type Submolt struct {
	Id              string `json:"id"`
	Name            string `json:"name"`
	DisplayName     string `json:"displayName"`
	Description     string `json:"description"`
	SubscriberCount int64  `json:"subscriberCount"`
	PostCount       int64  `json:"postCount"`
	AvatarUrl       string `json:"avatarUrl,omitempty"`
	BannerUrl       string `json:"bannerUrl,omitempty"`
	FirstSeen       int64  `json:"firstSeen"`
	UpdatedAt       int64  `json:"updatedAt"`
}

type WordCount struct {
	Word  string `json:"word"`
	Count int64  `json:"count"`
}

// Snapshot is one immutable hourly rollup. Bucket is the unix time of the
// start of the hour it belongs to.
type Snapshot struct {
	Bucket          int64       `json:"bucket"`
	TakenAt         int64       `json:"takenAt"`
	TotalAgents     int64       `json:"totalAgents"`
	TotalPosts      int64       `json:"totalPosts"`
	TotalComments   int64       `json:"totalComments"`
	TotalSubmolts   int64       `json:"totalSubmolts"`
	ActiveAgents24h int64       `json:"activeAgents24h"`
	AvgSentiment    float64     `json:"avgSentiment"`
	TopWords        []WordCount `json:"topWords"`
}

type Trend struct {
	Word          string  `json:"word"`
	Count         int64   `json:"count"`
	PreviousCount int64   `json:"previousCount"`
	ChangePercent float64 `json:"changePercent"`
	// Set when the word was absent in the previous window
	IsNew bool `json:"isNew"`
}

type Stats struct {
	TotalAgents     int64 `json:"totalAgents"`
	TotalPosts      int64 `json:"totalPosts"`
	TotalComments   int64 `json:"totalComments"`
	TotalSubmolts   int64 `json:"totalSubmolts"`
	PostsToday      int64 `json:"postsToday"`
	ActiveAgents1h  int64 `json:"activeAgents1h"`
	ActiveAgents24h int64 `json:"activeAgents24h"`
}

// HourCount is the count of a word in one hour bucket
type HourCount struct {
	Hour  int64 `json:"hour"`
	Count int64 `json:"count"`
}

// Poster ranks an author by the posts the store holds for them
type Poster struct {
	AuthorId      string `json:"authorId"`
	AuthorName    string `json:"authorName"`
	PostCount     int64  `json:"postCount"`
	TotalUpvotes  int64  `json:"totalUpvotes"`
	TotalComments int64  `json:"totalComments"`
}

// HourActivity counts posts created in one hour of the UTC day, 0 to 23
type HourActivity struct {
	Hour      int   `json:"hour"`
	PostCount int64 `json:"postCount"`
}

type SubmoltActivity struct {
	SubmoltId     string `json:"submoltId"`
	DisplayName   string `json:"displayName,omitempty"`
	PostCount     int64  `json:"postCount"`
	TotalUpvotes  int64  `json:"totalUpvotes"`
	TotalComments int64  `json:"totalComments"`
}

// JobRun records one scheduler execution of a collection job
type JobRun struct {
	Id         string `json:"id"`
	Job        string `json:"job"`
	StartedAt  int64  `json:"startedAt"`
	FinishedAt int64  `json:"finishedAt"`
	Items      int    `json:"items"`
	Skipped    int    `json:"skipped"`
	Pages      int    `json:"pages"`
	Error      string `json:"error,omitempty"`
}

// HourBucket truncates t to the start of its UTC hour
func HourBucket(t time.Time) time.Time {
	return t.UTC().Truncate(time.Hour)
}
