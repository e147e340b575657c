// Package ap implements the ActivityPub protocol for the baudrate forum:
// actor documents, HTTP signatures, inbox dispatch, and activity publishing.
package ap

import (
	"encoding/json"
	"fmt"
)

// StringOrArray deserialises an AP field that may be either a JSON string
// or a JSON array of strings (both are valid per the AP spec).
type StringOrArray []string

func (s *StringOrArray) UnmarshalJSON(data []byte) error {
	var arr []string
	if err := json.Unmarshal(data, &arr); err == nil {
		*s = arr
		return nil
	}
	var str string
	if err := json.Unmarshal(data, &str); err == nil {
		*s = []string{str}
		return nil
	}
	return fmt.Errorf("cannot unmarshal %s into string or []string", data)
}

const (
	PublicURI         = "https://www.w3.org/ns/activitystreams#Public"
	ActivityStreamsNS = "https://www.w3.org/ns/activitystreams"
	SecurityNS        = "https://w3id.org/security/v1"
	BaudrateNS        = "https://baudrate.org/ns#"
)

// DefaultContext is the standard JSON-LD @context for baudrate objects. The
// baudrate:* terms carry forum metadata that plain AP has no slot for.
var DefaultContext = []interface{}{
	ActivityStreamsNS,
	SecurityNS,
	map[string]interface{}{
		"Hashtag":      "as:Hashtag",
		"sensitive":    "as:sensitive",
		"baudrate":     BaudrateNS,
		"pinned":       "baudrate:pinned",
		"locked":       "baudrate:locked",
		"commentCount": "baudrate:commentCount",
		"likeCount":    "baudrate:likeCount",
		"parentBoard":  "baudrate:parentBoard",
		"subBoards":    "baudrate:subBoards",
	},
}

// Actor represents an ActivityPub actor (Person, Group, Organization).
type Actor struct {
	Context           interface{}     `json:"@context,omitempty"`
	ID                string          `json:"id"`
	Type              string          `json:"type"`
	Name              string          `json:"name,omitempty"`
	PreferredUsername string          `json:"preferredUsername"`
	Summary           string          `json:"summary,omitempty"`
	Inbox             string          `json:"inbox"`
	Outbox            string          `json:"outbox,omitempty"`
	Followers         string          `json:"followers,omitempty"`
	Following         string          `json:"following,omitempty"`
	PublicKey         *PublicKey      `json:"publicKey,omitempty"`
	Icon              *Image          `json:"icon,omitempty"`
	Attachment        []PropertyValue `json:"attachment,omitempty"`
	URL               string          `json:"url,omitempty"`
	Endpoints         *Endpoints      `json:"endpoints,omitempty"`
	ParentBoard       string          `json:"parentBoard,omitempty"`
	SubBoards         []string        `json:"subBoards,omitempty"`
	MovedTo           string          `json:"movedTo,omitempty"`
}

// PublicKey represents an RSA public key attached to an actor.
type PublicKey struct {
	ID           string `json:"id"`
	Owner        string `json:"owner"`
	PublicKeyPem string `json:"publicKeyPem"`
}

// Image represents an ActivityPub Image object.
type Image struct {
	Type string `json:"type"`
	URL  string `json:"url"`
}

// Endpoints holds shared inbox and other endpoints.
type Endpoints struct {
	SharedInbox string `json:"sharedInbox,omitempty"`
}

// PropertyValue is a key-value pair, used for profile fields.
type PropertyValue struct {
	Type  string `json:"type"`
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Article represents a forum post on the wire, also used for inbound Note
// and Page objects.
type Article struct {
	Context      interface{}   `json:"@context,omitempty"`
	ID           string        `json:"id"`
	Type         string        `json:"type"`
	AttributedTo string        `json:"attributedTo"`
	Name         string        `json:"name,omitempty"`
	Content      string        `json:"content"`
	Summary      string        `json:"summary,omitempty"`
	Published    string        `json:"published,omitempty"`
	Updated      string        `json:"updated,omitempty"`
	To           StringOrArray `json:"to,omitempty"`
	CC           StringOrArray `json:"cc,omitempty"`
	Audience     StringOrArray `json:"audience,omitempty"`
	Tag          []interface{} `json:"tag,omitempty"`
	URL          string        `json:"url,omitempty"`
	InReplyTo    string        `json:"inReplyTo,omitempty"`
	Sensitive    bool          `json:"sensitive,omitempty"`
	Replies      string        `json:"replies,omitempty"`
	Pinned       bool          `json:"pinned,omitempty"`
	Locked       bool          `json:"locked,omitempty"`
	CommentCount int           `json:"commentCount,omitempty"`
	LikeCount    int           `json:"likeCount,omitempty"`
}

// Hashtag represents a hashtag tag on an object.
type Hashtag struct {
	Type string `json:"type"`
	Href string `json:"href"`
	Name string `json:"name"`
}

// Mention is a tag pointing to another actor.
type Mention struct {
	Type string `json:"type"`
	Href string `json:"href"`
	Name string `json:"name,omitempty"`
}

// Activity is a generic outbound ActivityPub activity.
type Activity struct {
	Context   interface{} `json:"@context,omitempty"`
	ID        string      `json:"id"`
	Type      string      `json:"type"`
	Actor     string      `json:"actor"`
	Object    interface{} `json:"object"`
	Target    string      `json:"target,omitempty"`
	To        []string    `json:"to,omitempty"`
	CC        []string    `json:"cc,omitempty"`
	Audience  []string    `json:"audience,omitempty"`
	Published string      `json:"published,omitempty"`
}

// IncomingActivity is used for parsing inbound activities where the object
// might be a string reference or an embedded object.
type IncomingActivity struct {
	Context   interface{}     `json:"@context,omitempty"`
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Actor     string          `json:"actor"`
	Object    json.RawMessage `json:"object"`
	Target    json.RawMessage `json:"target,omitempty"` // used by Move activities
	To        StringOrArray   `json:"to,omitempty"`
	CC        StringOrArray   `json:"cc,omitempty"`
	Audience  StringOrArray   `json:"audience,omitempty"`
	Published string          `json:"published,omitempty"`
}

// ObjectID extracts the object's id whether the object is a bare string
// reference or an embedded JSON object.
func (a *IncomingActivity) ObjectID() string {
	return rawID(a.Object)
}

// TargetID extracts the target's id (Move activities).
func (a *IncomingActivity) TargetID() string {
	return rawID(a.Target)
}

func rawID(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil {
		return obj.ID
	}
	return ""
}

// OrderedCollection is the header document of a paginated AP collection.
type OrderedCollection struct {
	Context    interface{} `json:"@context"`
	ID         string      `json:"id"`
	Type       string      `json:"type"`
	TotalItems int         `json:"totalItems"`
	First      string      `json:"first,omitempty"`
	Last       string      `json:"last,omitempty"`
}

// OrderedCollectionPage is one page of an OrderedCollection.
type OrderedCollectionPage struct {
	Context      interface{} `json:"@context"`
	ID           string      `json:"id"`
	Type         string      `json:"type"`
	PartOf       string      `json:"partOf"`
	Next         string      `json:"next,omitempty"`
	Prev         string      `json:"prev,omitempty"`
	OrderedItems interface{} `json:"orderedItems"`
}

// WebFinger response structures.
type WebFingerResponse struct {
	Subject string          `json:"subject"`
	Aliases []string        `json:"aliases,omitempty"`
	Links   []WebFingerLink `json:"links"`
}

type WebFingerLink struct {
	Rel      string `json:"rel"`
	Type     string `json:"type,omitempty"`
	Href     string `json:"href,omitempty"`
	Template string `json:"template,omitempty"`
}

// NodeInfo structures.
type NodeInfo struct {
	Version           string           `json:"version"`
	Software          NodeInfoSoftware `json:"software"`
	Protocols         []string         `json:"protocols"`
	Services          NodeInfoServices `json:"services"`
	Usage             NodeInfoUsage    `json:"usage"`
	OpenRegistrations bool             `json:"openRegistrations"`
	Metadata          map[string]any   `json:"metadata"`
}

type NodeInfoSoftware struct {
	Name       string `json:"name"`
	Version    string `json:"version"`
	Repository string `json:"repository,omitempty"`
}

type NodeInfoServices struct {
	Inbound  []string `json:"inbound"`
	Outbound []string `json:"outbound"`
}

type NodeInfoUsage struct {
	Users      NodeInfoUsers `json:"users"`
	LocalPosts int           `json:"localPosts"`
}

type NodeInfoUsers struct {
	Total          int `json:"total"`
	ActiveMonth    int `json:"activeMonth"`
	ActiveHalfYear int `json:"activeHalfYear"`
}

// WithContext wraps an object with the default AP @context.
func WithContext(v interface{}) map[string]interface{} {
	data, _ := json.Marshal(v)
	m := make(map[string]interface{})
	_ = json.Unmarshal(data, &m)
	m["@context"] = DefaultContext
	return m
}
