// Package event defines the interaction event model shared by the tracker
// SDK and the server-side store.
package event

import "time"

// Actions emitted by the Travelgram UI. The buffer does not validate the
// action against this list; unknown actions flow through unchanged.
const (
	ActionViewPost         = "view_post"
	ActionClickPost        = "click_post"
	ActionViewProfile      = "view_profile"
	ActionFollowUser       = "follow_user"
	ActionUnfollowUser     = "unfollow_user"
	ActionSavePost         = "save_post"
	ActionUnsavePost       = "unsave_post"
	ActionLikePost         = "like_post"
	ActionUnlikePost       = "unlike_post"
	ActionCommentPost      = "comment_post"
	ActionCreatePost       = "create_post"
	ActionUpdateProfile    = "update_profile"
	ActionReportPost       = "report_post"
	ActionViewAd           = "view_ad"
	ActionClickAd          = "click_ad"
	ActionSearch           = "search"
	ActionDeletePost       = "delete_post"
	ActionEditPost         = "edit_post"
	ActionSessionMilestone = "session_milestone"
	ActionContinueExplore  = "continue_exploring"
	ActionReturnToSurvey   = "return_to_survey"

	ActionRegisterUsername    = "register_username"
	ActionRegisterFullname    = "register_fullname"
	ActionRegisterBio         = "register_bio"
	ActionRegisterBrowserInfo = "register_browser_info"
)

// RegistrationActions is the set of actions that make up a completed
// registration. Tracked per username for diagnostic logging only.
var RegistrationActions = []string{
	ActionRegisterUsername,
	ActionRegisterFullname,
	ActionRegisterBio,
	ActionRegisterBrowserInfo,
}

// IsRegistration reports whether action belongs to the registration group.
func IsRegistration(action string) bool {
	for _, a := range RegistrationActions {
		if a == action {
			return true
		}
	}
	return false
}

// Event is one user or system interaction. Immutable once created; the
// timestamp is assigned exactly once, at enqueue time, never at flush time.
//
// Condition is typed as any because experiment assignments arrive either as
// a plain string or as a structured object; the pipeline treats it as
// opaque either way.
type Event struct {
	Action        string `json:"action"`
	Username      string `json:"username,omitempty"`
	PostID        string `json:"postId,omitempty"`
	PostOwner     string `json:"postOwner,omitempty"`
	Text          string `json:"text,omitempty"`
	ContentURL    string `json:"contentUrl,omitempty"`
	Condition     any    `json:"condition,omitempty"`
	ParticipantID string `json:"participantId,omitempty"`
	Timestamp     string `json:"timestamp,omitempty"`
}

// Time parses the event timestamp. Returns the zero time if the timestamp
// is absent or not RFC 3339.
func (e Event) Time() time.Time {
	if e.Timestamp == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, e.Timestamp)
	if err != nil {
		return time.Time{}
	}
	return t
}

// Before orders events by timestamp, falling back to lexicographic
// comparison for timestamps that fail to parse. RFC 3339 strings in the
// same timezone sort identically either way.
func (e Event) Before(other Event) bool {
	ta, tb := e.Time(), other.Time()
	if !ta.IsZero() && !tb.IsZero() {
		return ta.Before(tb)
	}
	return e.Timestamp < other.Timestamp
}

// InRange reports whether the event timestamp falls within [start, end],
// inclusive on both sides. A zero bound is unbounded on that side. Events
// with unparseable timestamps are excluded by any bound.
func (e Event) InRange(start, end time.Time) bool {
	if start.IsZero() && end.IsZero() {
		return true
	}
	t := e.Time()
	if t.IsZero() {
		return false
	}
	if !start.IsZero() && t.Before(start) {
		return false
	}
	if !end.IsZero() && t.After(end) {
		return false
	}
	return true
}
