// Package message models chat messages and extracts the pull request
// references they carry.
package message

import (
	"fmt"
	"regexp"
	"slices"
	"strconv"
	"strings"
)

// Message is a chat message as read from the channel. It is never mutated
// after it has been read.
type Message struct {
	TS        string    `json:"ts"`
	ThreadTS  string    `json:"thread_ts,omitempty"`
	Text      string    `json:"text,omitempty"`
	Blocks    []Element `json:"blocks,omitempty"`
	Reactions []string  `json:"reactions,omitempty"`
}

// Element is a node of the block tree: a layout block, a section or a leaf
// such as a link.
type Element struct {
	Type     string    `json:"type"`
	URL      string    `json:"url,omitempty"`
	Text     string    `json:"text,omitempty"`
	Elements []Element `json:"elements,omitempty"`
}

// Leaves flattens the block tree of m.
func (m Message) Leaves() []Element {
	var out []Element
	for _, b := range m.Blocks {
		out = collectLeaves(b.Elements, out)
	}
	return out
}

func collectLeaves(elements []Element, out []Element) []Element {
	for _, e := range elements {
		if len(e.Elements) == 0 {
			out = append(out, e)
			continue
		}
		out = collectLeaves(e.Elements, out)
	}
	return out
}

// HasReaction reports whether the reaction is already attached to m.
func HasReaction(m Message, name string) bool {
	return slices.Contains(m.Reactions, name)
}

// Reference points at one pull request.
type Reference struct {
	Host   string
	Owner  string
	Repo   string
	Number int
}

// Path is the canonical resource path, owner/repo/pulls/number.
func (r Reference) Path() string {
	return fmt.Sprintf("%s/%s/pulls/%d", r.Owner, r.Repo, r.Number)
}

func (r Reference) String() string {
	return fmt.Sprintf("%s/%s#%d", r.Owner, r.Repo, r.Number)
}

// URL is the web address the reference was parsed from, normalised.
func (r Reference) URL() string {
	return fmt.Sprintf("https://%s/%s/%s/pull/%d", r.Host, r.Owner, r.Repo, r.Number)
}

var pullURL = regexp.MustCompile(`^https://([^/\s]+)/([^/\s]+)/([^/\s]+)/pull/(\d+)(?:[/?#]\S*)?$`)

const linkType = "link"

type Extractor struct {
	host string
}

// NewExtractor returns an extractor accepting pull request links on host.
func NewExtractor(host string) *Extractor {
	return &Extractor{host: strings.ToLower(host)}
}

// References returns one Reference per pull request link in m, in order.
// Duplicates are kept; links that do not parse are skipped.
func (e *Extractor) References(m Message) []Reference {
	var refs []Reference
	for _, leaf := range m.Leaves() {
		if leaf.Type != linkType {
			continue
		}
		ref, ok := e.Parse(leaf.URL)
		if !ok {
			continue
		}
		refs = append(refs, ref)
	}
	return refs
}

// Parse parses a pull request URL such as
// https://github.com/owner/repo/pull/42/files.
func (e *Extractor) Parse(raw string) (Reference, bool) {
	m := pullURL.FindStringSubmatch(strings.TrimSpace(raw))
	if m == nil {
		return Reference{}, false
	}
	host := strings.ToLower(m[1])
	if e.host != "" && host != e.host {
		return Reference{}, false
	}
	n, err := strconv.Atoi(m[4])
	if err != nil || n <= 0 {
		return Reference{}, false
	}
	return Reference{Host: host, Owner: m[2], Repo: m[3], Number: n}, true
}
