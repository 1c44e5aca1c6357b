package digest

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// UngroupedName is the grouping sentinel for resources that belong to no grouping.
// It is accepted anywhere a grouping name is (scopes and exclusion rules).
const UngroupedName = "(ungrouped)"

var (
	// ErrInvalid marks configuration/user errors. They are rejected before any state mutation.
	ErrInvalid = errors.New("invalid request")
	// ErrDisabled is returned when the digest feature is switched off for an owner.
	ErrDisabled = errors.New("digest feature disabled")
)

// Invalidf builds an ErrInvalid-wrapped error.
func Invalidf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalid, fmt.Sprintf(format, args...))
}

type Kind string

const (
	KindDigest Kind = "digest"
	KindExport Kind = "export"
)

func ParseKind(s string) (Kind, error) {
	switch Kind(strings.ToLower(strings.TrimSpace(s))) {
	case KindDigest:
		return KindDigest, nil
	case KindExport:
		return KindExport, nil
	default:
		return "", Invalidf("unknown job kind %q (use digest or export)", s)
	}
}

type ScopeType int

const (
	ScopeAll ScopeType = iota
	ScopeResource
	ScopeGrouping
)

// Scope selects the resources a job works on.
type Scope struct {
	Type       ScopeType
	ResourceID int64
	Grouping   string
}

func AllScope() Scope { return Scope{Type: ScopeAll} }

func ResourceScope(id int64) Scope { return Scope{Type: ScopeResource, ResourceID: id} }

func GroupingScope(name string) Scope {
	return Scope{Type: ScopeGrouping, Grouping: strings.TrimSpace(name)}
}

func UngroupedScope() Scope { return GroupingScope(UngroupedName) }

func (s Scope) IsAll() bool { return s.Type == ScopeAll }

// MatchesGrouping reports whether a resource in grouping g ("" = ungrouped) is selected.
func (s Scope) MatchesGrouping(g string) bool {
	if s.Type != ScopeGrouping {
		return false
	}
	if g == "" {
		return s.Grouping == UngroupedName
	}
	return s.Grouping == g
}

// Key is the stable string form used for persistence: "all", "channel:<id>" or "category:<name>".
func (s Scope) Key() string {
	switch s.Type {
	case ScopeResource:
		return "channel:" + strconv.FormatInt(s.ResourceID, 10)
	case ScopeGrouping:
		return "category:" + s.Grouping
	default:
		return "all"
	}
}

func (s Scope) String() string { return s.Key() }

// ParseScope is the inverse of Scope.Key.
func ParseScope(raw string) (Scope, error) {
	s := strings.TrimSpace(raw)
	low := strings.ToLower(s)
	switch {
	case low == "all" || low == "":
		return AllScope(), nil
	case strings.HasPrefix(low, "channel:"):
		id, err := strconv.ParseInt(strings.TrimSpace(s[len("channel:"):]), 10, 64)
		if err != nil {
			return Scope{}, Invalidf("invalid channel scope %q", raw)
		}
		return ResourceScope(id), nil
	case strings.HasPrefix(low, "category:"):
		name := strings.TrimSpace(s[len("category:"):])
		if name == "" {
			return Scope{}, Invalidf("category scope needs a name")
		}
		return GroupingScope(name), nil
	default:
		return Scope{}, Invalidf("invalid scope %q (use all, channel:<id> or category:<name>)", raw)
	}
}

// JobKey identifies a job: one per (owner, kind, scope).
type JobKey struct {
	OwnerID int64
	Kind    Kind
	Scope   string
}

func (k JobKey) String() string {
	return strconv.FormatInt(k.OwnerID, 10) + "/" + string(k.Kind) + "/" + k.Scope
}

// ID is the owner-local key used inside OwnerState.Jobs.
func (k JobKey) ID() string { return string(k.Kind) + "/" + k.Scope }

type Format string

const (
	FormatText Format = "text"
	FormatPDF  Format = "pdf"
	FormatBoth Format = "both"
)

func (f Format) WantsText() bool { return f == "" || f == FormatText || f == FormatBoth }
func (f Format) WantsPDF() bool  { return f == FormatPDF || f == FormatBoth }

// Job is a persisted recurring unit of work.
type Job struct {
	OwnerID int64  `json:"owner_id"`
	Kind    Kind   `json:"kind"`
	Scope   string `json:"scope"`

	// Exactly one of Interval / Cron is set.
	Interval time.Duration `json:"interval,omitempty"`
	Cron     string        `json:"cron,omitempty"`

	Enabled bool `json:"enabled"`

	MaxItems    int    `json:"max_items,omitempty"`
	SingleFile  bool   `json:"single_file,omitempty"`
	Format      Format `json:"format,omitempty"`
	DisplayName string `json:"display_name,omitempty"`
	DeliverTo   int64  `json:"deliver_to,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (j Job) Key() JobKey { return JobKey{OwnerID: j.OwnerID, Kind: j.Kind, Scope: j.Scope} }

// ParsedScope returns the typed scope. Jobs are validated on registration so errors are rare.
func (j Job) ParsedScope() (Scope, error) { return ParseScope(j.Scope) }

// Validate checks a job definition against the minimum interval.
func (j Job) Validate(minInterval time.Duration) error {
	if _, err := ParseKind(string(j.Kind)); err != nil {
		return err
	}
	if _, err := ParseScope(j.Scope); err != nil {
		return err
	}
	if strings.TrimSpace(j.Cron) == "" {
		if j.Interval <= 0 {
			return Invalidf("interval required")
		}
		if j.Interval < minInterval {
			return Invalidf("interval must be at least %s", minInterval)
		}
	} else if j.Interval != 0 {
		return Invalidf("interval and cron are mutually exclusive")
	}
	if j.MaxItems < 0 {
		return Invalidf("max_items must be >= 0")
	}
	switch j.Format {
	case "", FormatText, FormatPDF, FormatBoth:
	default:
		return Invalidf("unknown format %q", j.Format)
	}
	return nil
}

// RuleSet holds exclusion rules for one job kind.
type RuleSet struct {
	ResourceIDs   []int64  `json:"resource_ids,omitempty"`
	GroupingNames []string `json:"grouping_names,omitempty"`
}

func (r RuleSet) HasResource(id int64) bool {
	for _, v := range r.ResourceIDs {
		if v == id {
			return true
		}
	}
	return false
}

func (r RuleSet) HasGrouping(name string) bool {
	for _, v := range r.GroupingNames {
		if v == name {
			return true
		}
	}
	return false
}

// AddResource returns false when the id was already listed.
func (r *RuleSet) AddResource(id int64) bool {
	if r.HasResource(id) {
		return false
	}
	r.ResourceIDs = append(r.ResourceIDs, id)
	return true
}

func (r *RuleSet) RemoveResource(id int64) bool {
	for i, v := range r.ResourceIDs {
		if v == id {
			r.ResourceIDs = append(r.ResourceIDs[:i], r.ResourceIDs[i+1:]...)
			return true
		}
	}
	return false
}

func (r *RuleSet) AddGrouping(name string) bool {
	if r.HasGrouping(name) {
		return false
	}
	r.GroupingNames = append(r.GroupingNames, name)
	return true
}

func (r *RuleSet) RemoveGrouping(name string) bool {
	for i, v := range r.GroupingNames {
		if v == name {
			r.GroupingNames = append(r.GroupingNames[:i], r.GroupingNames[i+1:]...)
			return true
		}
	}
	return false
}

const (
	MinMaxItems     = 10
	MaxMaxItems     = 1000
	DefaultMaxItems = 100
)

// Settings are owner-level knobs. Zero values are never consulted directly: use DefaultSettings.
type Settings struct {
	Enabled        bool   `json:"enabled"`
	Model          string `json:"model,omitempty"`
	APIBase        string `json:"api_base,omitempty"`
	APIKey         string `json:"api_key,omitempty"`
	MaxItems       int    `json:"max_items"`
	SummaryChannel *int64 `json:"summary_channel,omitempty"`
	IncludeBots    bool   `json:"include_bots"`
}

func DefaultSettings() Settings {
	return Settings{MaxItems: DefaultMaxItems}
}

// OwnerState is everything persisted for one owner.
type OwnerState struct {
	OwnerID  int64            `json:"owner_id"`
	Settings Settings         `json:"settings"`
	Jobs     map[string]Job   `json:"jobs"`
	Rules    map[Kind]RuleSet `json:"rules"`
}

// NewOwnerState returns an empty state with defaults applied.
func NewOwnerState(owner int64) OwnerState {
	return OwnerState{
		OwnerID:  owner,
		Settings: DefaultSettings(),
		Jobs:     map[string]Job{},
		Rules:    map[Kind]RuleSet{},
	}
}

// Normalize fills nil maps and defaults after decoding.
func (s *OwnerState) Normalize(owner int64) {
	s.OwnerID = owner
	if s.Jobs == nil {
		s.Jobs = map[string]Job{}
	}
	if s.Rules == nil {
		s.Rules = map[Kind]RuleSet{}
	}
	if s.Settings.MaxItems <= 0 {
		s.Settings.MaxItems = DefaultMaxItems
	}
}

// SortedJobs returns jobs ordered by kind then scope.
func (s OwnerState) SortedJobs() []Job {
	out := make([]Job, 0, len(s.Jobs))
	for _, j := range s.Jobs {
		out = append(out, j)
	}
	sort.Slice(out, func(a, b int) bool {
		if out[a].Kind != out[b].Kind {
			return out[a].Kind < out[b].Kind
		}
		return out[a].Scope < out[b].Scope
	})
	return out
}

// Resource is a named content container (a channel / forum topic).
type Resource struct {
	ID       int64
	Name     string
	Grouping string // "" means ungrouped
	Position int
}

// GroupingName returns the display grouping, mapping "" to the ungrouped sentinel.
func (r Resource) GroupingName() string {
	if r.Grouping == "" {
		return UngroupedName
	}
	return r.Grouping
}

type Grouping struct {
	Name     string
	Position int
}

type Embed struct {
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
	URL         string `json:"url,omitempty"`
}

// Item is a single content record (a chat message).
type Item struct {
	ID          int64
	ResourceID  int64
	Timestamp   time.Time
	AuthorID    int64
	AuthorName  string
	DisplayName string
	AuthorIsBot bool
	Text        string
	Embeds      []Embed
	Attachments []string
	ReplyTo     int64
	Reactions   map[string]int
	EditedAt    time.Time
	Pinned      bool
	Mentions    []string
}

type Stats struct {
	ItemCount        int
	ParticipantCount int
	Start            time.Time
	End              time.Time

	WithAttachments int
	WithEmbeds      int
	WithReactions   int
	Replies         int
}

// ReportRecord is the output of aggregating one resource.
type ReportRecord struct {
	Grouping   string
	Resource   string
	ResourceID int64
	Narrative  string
	Stats      Stats
	Items      []Item // export only
}

// Title is the bookmark/heading label for a record.
func (r ReportRecord) Title() string { return r.Grouping + " / " + r.Resource }

// CloneRecords deep-copies records so they can be handed to another goroutine.
func CloneRecords(in []ReportRecord) []ReportRecord {
	if in == nil {
		return nil
	}
	out := make([]ReportRecord, len(in))
	for i, r := range in {
		out[i] = r
		if r.Items != nil {
			items := make([]Item, len(r.Items))
			for k, it := range r.Items {
				items[k] = cloneItem(it)
			}
			out[i].Items = items
		}
	}
	return out
}

func cloneItem(it Item) Item {
	cp := it
	if it.Embeds != nil {
		cp.Embeds = append([]Embed(nil), it.Embeds...)
	}
	if it.Attachments != nil {
		cp.Attachments = append([]string(nil), it.Attachments...)
	}
	if it.Mentions != nil {
		cp.Mentions = append([]string(nil), it.Mentions...)
	}
	if it.Reactions != nil {
		cp.Reactions = make(map[string]int, len(it.Reactions))
		for k, v := range it.Reactions {
			cp.Reactions[k] = v
		}
	}
	return cp
}
