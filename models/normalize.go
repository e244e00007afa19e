package models

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

// Remote timestamps come in several ISO 8601 flavours, with and without zone
var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
}

// ParseRemoteTime parses a remote timestamp, assuming UTC when no zone is given
func ParseRemoteTime(value string) (time.Time, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, false
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, value); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

// flexInt accepts numbers, numeric strings and null
type flexInt int64

func (f *flexInt) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || string(b) == "null" {
		*f = 0
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		if s == "" {
			*f = 0
			return nil
		}
		b = []byte(s)
	}
	n, err := strconv.ParseFloat(string(b), 64)
	if err != nil {
		return err
	}
	*f = flexInt(n)
	return nil
}

// flexString accepts strings, numbers and null
type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || string(b) == "null" {
		*f = ""
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*f = flexString(n.String())
	return nil
}

// wireRef is an author or submolt reference, given either as a bare name or
// as an object with id and name
type wireRef struct {
	Id   string
	Name string
}

func (r *wireRef) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || string(b) == "null" {
		return nil
	}
	if b[0] == '"' {
		return json.Unmarshal(b, &r.Name)
	}
	var obj struct {
		Id   flexString `json:"id"`
		Name flexString `json:"name"`
	}
	if err := json.Unmarshal(b, &obj); err != nil {
		return err
	}
	r.Id = string(obj.Id)
	r.Name = string(obj.Name)
	return nil
}

// key is the stable identifier of the reference, falling back to the name
func (r *wireRef) key() string {
	if r == nil {
		return ""
	}
	if r.Id != "" {
		return r.Id
	}
	return r.Name
}

type wirePost struct {
	Id           flexString `json:"id"`
	Title        *string    `json:"title"`
	Content      *string    `json:"content"`
	Url          *string    `json:"url"`
	Upvotes      flexInt    `json:"upvotes"`
	Downvotes    flexInt    `json:"downvotes"`
	CommentCount flexInt    `json:"comment_count"`
	CreatedAt    string     `json:"created_at"`
	IsPinned     bool       `json:"is_pinned"`
	Author       *wireRef   `json:"author"`
	Agent        *wireRef   `json:"agent"`
	Submolt      *wireRef   `json:"submolt"`
}

type wireAgent struct {
	Id             flexString `json:"id"`
	Name           string     `json:"name"`
	Description    *string    `json:"description"`
	Karma          flexInt    `json:"karma"`
	FollowerCount  flexInt    `json:"follower_count"`
	FollowingCount flexInt    `json:"following_count"`
	IsClaimed      bool       `json:"is_claimed"`
	AvatarUrl      *string    `json:"avatar_url"`
	CreatedAt      string     `json:"created_at"`
	Owner          *struct {
		XHandle string `json:"x_handle"`
	} `json:"owner"`
}

type wireSubmolt struct {
	Id              flexString `json:"id"`
	Name            string     `json:"name"`
	DisplayName     string     `json:"display_name"`
	Description     *string    `json:"description"`
	SubscriberCount flexInt    `json:"subscriber_count"`
	PostCount       flexInt    `json:"post_count"`
	AvatarUrl       *string    `json:"avatar_url"`
	BannerUrl       *string    `json:"banner_url"`
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// NormalizePost validates a remote post and converts it to a Post. The id
// and a parseable created_at are required; anything else may be missing.
func NormalizePost(raw json.RawMessage, observedAt time.Time) (Post, error) {
	var w wirePost
	if err := json.Unmarshal(raw, &w); err != nil {
		return Post{}, &MalformedItemError{Entity: EntityPosts, Field: "body", Reason: err.Error()}
	}

	id := strings.TrimSpace(string(w.Id))
	if id == "" {
		return Post{}, &MalformedItemError{Entity: EntityPosts, Field: "id", Reason: "is missing"}
	}

	createdAt, ok := ParseRemoteTime(w.CreatedAt)
	if !ok {
		return Post{}, &MalformedItemError{Entity: EntityPosts, Field: "created_at", Reason: "is missing or unparseable"}
	}

	author := w.Author
	if author == nil || author.key() == "" {
		author = w.Agent
	}

	var authorName string
	if author != nil {
		authorName = author.Name
	}

	return Post{
		Id:           id,
		AuthorId:     author.key(),
		AuthorName:   authorName,
		SubmoltId:    w.Submolt.key(),
		Title:        deref(w.Title),
		Body:         deref(w.Content),
		Url:          deref(w.Url),
		CreatedAt:    createdAt.Unix(),
		Upvotes:      int64(w.Upvotes),
		Downvotes:    int64(w.Downvotes),
		CommentCount: int64(w.CommentCount),
		IsPinned:     w.IsPinned,
		FirstSeen:    observedAt.Unix(),
	}, nil
}

// NormalizeAgent validates a remote agent. The name is required and doubles
// as the id when the remote does not report one.
func NormalizeAgent(raw json.RawMessage, observedAt time.Time) (Agent, error) {
	var w wireAgent
	if err := json.Unmarshal(raw, &w); err != nil {
		return Agent{}, &MalformedItemError{Entity: EntityAgents, Field: "body", Reason: err.Error()}
	}

	name := strings.TrimSpace(w.Name)
	if name == "" {
		return Agent{}, &MalformedItemError{Entity: EntityAgents, Field: "name", Reason: "is missing"}
	}

	id := strings.TrimSpace(string(w.Id))
	if id == "" {
		id = name
	}

	agent := Agent{
		Id:             id,
		Name:           name,
		Description:    deref(w.Description),
		Karma:          int64(w.Karma),
		FollowerCount:  int64(w.FollowerCount),
		FollowingCount: int64(w.FollowingCount),
		IsClaimed:      w.IsClaimed,
		AvatarUrl:      deref(w.AvatarUrl),
		FirstSeen:      observedAt.Unix(),
		LastActive:     observedAt.Unix(),
		RefreshedAt:    observedAt.Unix(),
	}
	if w.Owner != nil {
		agent.OwnerHandle = w.Owner.XHandle
	}
	if createdAt, ok := ParseRemoteTime(w.CreatedAt); ok {
		agent.CreatedAt = createdAt.Unix()
	}

	return agent, nil
}

// NormalizeSubmolt validates a remote submolt. Submolts are keyed by name
// unless the remote reports an id.
func NormalizeSubmolt(raw json.RawMessage, observedAt time.Time) (Submolt, error) {
	var w wireSubmolt
	if err := json.Unmarshal(raw, &w); err != nil {
		return Submolt{}, &MalformedItemError{Entity: EntitySubmolts, Field: "body", Reason: err.Error()}
	}

	name := strings.TrimSpace(w.Name)
	if name == "" {
		return Submolt{}, &MalformedItemError{Entity: EntitySubmolts, Field: "name", Reason: "is missing"}
	}

	id := strings.TrimSpace(string(w.Id))
	if id == "" {
		id = name
	}

	displayName := w.DisplayName
	if displayName == "" {
		displayName = name
	}

	return Submolt{
		Id:              id,
		Name:            name,
		DisplayName:     displayName,
		Description:     deref(w.Description),
		SubscriberCount: int64(w.SubscriberCount),
		PostCount:       int64(w.PostCount),
		AvatarUrl:       deref(w.AvatarUrl),
		BannerUrl:       deref(w.BannerUrl),
		FirstSeen:       observedAt.Unix(),
		UpdatedAt:       observedAt.Unix(),
	}, nil
}
