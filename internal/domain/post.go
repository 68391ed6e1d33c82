package domain

import "time"

// PostStatus enumerates publication milestones.
type PostStatus string

const (
	PostDraft      PostStatus = "draft"
	PostPublishing PostStatus = "publishing"
	PostPublished  PostStatus = "published"
	PostFailed     PostStatus = "failed"
)

// Post is generated or manually created content bound for the destination channel.
type Post struct {
	ID           string
	NewsItemID   string
	Title        string
	Body         string
	Status       PostStatus
	PublishedRef string
	Retry        RetryState
	CreatedAt    time.Time
	UpdatedAt    time.Time
	PublishedAt  time.Time
}

// Uncertain reports a post whose destination state is unknown locally:
// either a reference was stored without the status following, or the last
// attempt ended without a definite answer from the destination.
func (p Post) Uncertain() bool {
	if p.Status == PostDraft && p.PublishedRef != "" {
		return true
	}
	return p.Retry.LastErrorKind == KindUncertain
}

// PostChange describes a guarded post transition.
type PostChange struct {
	Status       PostStatus
	PublishedRef string
	PublishedAt  time.Time
	Retry        *RetryState
}

// GenerationInput is the text handed to the generation service.
type GenerationInput struct {
	Title string
	Body  string
	URL   string
}

// Text renders the input as a single prompt payload.
func (g GenerationInput) Text() string {
	if g.Body == "" {
		return g.Title
	}
	return g.Title + "\n\n" + g.Body
}

// GeneratedPost is structured output of the generation service.
type GeneratedPost struct {
	Title string
	Body  string
}
