package classifier

import (
	"fmt"
	"strings"
)

// DisasterType is the coarse category an image is mapped onto.
type DisasterType string

const (
	Fire     DisasterType = "Fire"
	Flood    DisasterType = "Flood"
	Medical  DisasterType = "Medical"
	Collapse DisasterType = "Collapse"
	Violence DisasterType = "Violence"
	Other    DisasterType = "Other"
)

// DisasterTypes lists every category, Other last.
var DisasterTypes = []DisasterType{Fire, Flood, Medical, Collapse, Violence, Other}

// ParseDisasterType accepts a category name in any case.
func ParseDisasterType(s string) (DisasterType, error) {
	for _, t := range DisasterTypes {
		if strings.EqualFold(s, string(t)) {
			return t, nil
		}
	}
	return "", fmt.Errorf("unknown disaster type %q", s)
}

// Rule maps one disaster type to the label substrings that indicate it.
type Rule struct {
	Type     DisasterType
	Keywords []string
}

// Taxonomy is an ordered rule list. Rules are tried in declaration order, so
// a label matching two rules resolves to the earlier one.
type Taxonomy struct {
	rules []Rule
}

// DefaultRules is the keyword table used when the config does not supply one.
func DefaultRules() []Rule {
	return []Rule{
		{Type: Fire, Keywords: []string{"fire", "flame", "smoke", "fire_engine", "volcano", "stove", "candle", "matchstick"}},
		{Type: Flood, Keywords: []string{"water", "lake", "ocean", "river", "boat", "canoe", "dam", "rain", "puddle", "seashore", "fountain"}},
		{Type: Medical, Keywords: []string{"ambulance", "stretcher", "medicine", "hospital", "pill", "syringe", "mask"}},
		{Type: Collapse, Keywords: []string{"rubble", "brick", "wall", "ruin", "stone", "rock", "concrete", "cliff"}},
		{Type: Violence, Keywords: []string{"gun", "pistol", "rifle", "weapon", "police", "soldier", "military"}},
	}
}

// NewTaxonomy copies and validates rules. Keywords are lower-cased; a rule
// may not target Other, and each type may appear only once.
func NewTaxonomy(rules []Rule) (*Taxonomy, error) {
	if len(rules) == 0 {
		return nil, fmt.Errorf("taxonomy has no rules")
	}

	seen := make(map[DisasterType]bool, len(rules))
	out := make([]Rule, 0, len(rules))
	for i, r := range rules {
		t, err := ParseDisasterType(string(r.Type))
		if err != nil {
			return nil, fmt.Errorf("rule %d: %w", i, err)
		}
		if t == Other {
			return nil, fmt.Errorf("rule %d: %s is the fallback and cannot have keywords", i, Other)
		}
		if seen[t] {
			return nil, fmt.Errorf("rule %d: %s declared twice", i, t)
		}
		seen[t] = true

		keywords := make([]string, 0, len(r.Keywords))
		for _, kw := range r.Keywords {
			kw = strings.ToLower(strings.TrimSpace(kw))
			if kw == "" {
				continue
			}
			keywords = append(keywords, kw)
		}
		if len(keywords) == 0 {
			return nil, fmt.Errorf("rule %d: %s has no keywords", i, t)
		}
		out = append(out, Rule{Type: t, Keywords: keywords})
	}
	return &Taxonomy{rules: out}, nil
}

// MustDefaultTaxonomy builds the built-in table.
func MustDefaultTaxonomy() *Taxonomy {
	t, err := NewTaxonomy(DefaultRules())
	if err != nil {
		panic(err)
	}
	return t
}

// Rules returns a copy of the rules in declaration order.
func (t *Taxonomy) Rules() []Rule {
	out := make([]Rule, len(t.rules))
	for i, r := range t.rules {
		out[i] = Rule{Type: r.Type, Keywords: append([]string(nil), r.Keywords...)}
	}
	return out
}

// Match reports the first rule whose keywords occur in label.
func (t *Taxonomy) Match(label string) (DisasterType, bool) {
	lower := strings.ToLower(label)
	for _, r := range t.rules {
		for _, kw := range r.Keywords {
			if strings.Contains(lower, kw) {
				return r.Type, true
			}
		}
	}
	return Other, false
}

// Detect scans ranked predictions best-first and stops at the first label
// that matches any rule.
func (t *Taxonomy) Detect(preds []Prediction) DisasterType {
	for _, p := range preds {
		if dt, ok := t.Match(p.Category); ok {
			return dt
		}
	}
	return Other
}

var reliefItems = map[DisasterType][]string{
	Fire:     {"Fire Extinguisher", "Burn Kit", "Blankets", "Water", "Masks"},
	Flood:    {"Life Jackets", "Rope", "Dry Food", "Flashlight", "Boats"},
	Medical:  {"First Aid Kit", "Stretcher", "Defibrillator", "Oxygen", "Bandages"},
	Collapse: {"Helmet", "Whistle", "Crowbar", "Dust Mask", "Gloves"},
	Violence: {"Trauma Kit", "Safe Shelter", "Police Assistance"},
	Other:    {"General Aid", "Water", "Food"},
}

// Suggest returns the relief items usually requested for a disaster type.
func Suggest(t DisasterType) []string {
	items, ok := reliefItems[t]
	if !ok {
		items = reliefItems[Other]
	}
	return append([]string(nil), items...)
}
