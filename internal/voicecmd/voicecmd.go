// Package voicecmd detects spoken control phrases in user transcripts.
//
// Speech-to-text output is noisy: "pause listening" may arrive as "paws
// listening" or "pause listning". The detector therefore combines Double
// Metaphone phonetic encoding with Jaro-Winkler string similarity instead of
// exact matching:
//
//  1. For each known control phrase, a window of the same token length slides
//     over the transcript. A window becomes a candidate when any of its
//     Double Metaphone codes overlaps with the phrase's codes.
//
//  2. Candidates are ranked by Jaro-Winkler similarity (case-insensitive,
//     computed over the joined window) and accepted above a configurable
//     threshold.
package voicecmd

import (
	"strings"

	"github.com/antzucaro/matchr"
)

// Command is a recognised spoken control instruction.
type Command int

const (
	// CommandNone means no control phrase was detected.
	CommandNone Command = iota

	// CommandPause suspends live-audio forwarding to the model.
	CommandPause

	// CommandResume re-enables live-audio forwarding.
	CommandResume

	// CommandWrapUp asks the agent to finish the conversation.
	CommandWrapUp
)

// String returns a readable command name for logs.
func (c Command) String() string {
	switch c {
	case CommandPause:
		return "pause"
	case CommandResume:
		return "resume"
	case CommandWrapUp:
		return "wrap_up"
	default:
		return "none"
	}
}

const defaultThreshold = 0.87

// defaultPhrases maps each command to the spoken phrases that trigger it.
var defaultPhrases = map[Command][]string{
	CommandPause:  {"pause listening", "stop listening"},
	CommandResume: {"resume listening", "start listening", "keep listening"},
	CommandWrapUp: {"wrap up the call", "wrap it up", "end the conversation"},
}

// Option is a functional option for configuring a [Detector].
type Option func(*Detector)

// WithThreshold sets the minimum Jaro-Winkler score required for a phonetic
// candidate to be accepted. Default: 0.87.
func WithThreshold(threshold float64) Option {
	return func(d *Detector) { d.threshold = threshold }
}

// WithPhrases replaces the trigger phrases for one command. Passing an empty
// list disables the command.
func WithPhrases(cmd Command, phrases ...string) Option {
	return func(d *Detector) { d.phrases[cmd] = phrases }
}

// Detector scans transcript text for control phrases. It is read-only after
// construction and safe for concurrent use.
type Detector struct {
	threshold float64
	phrases   map[Command][]string
}

// New returns a new [Detector] with the default phrase set.
func New(opts ...Option) *Detector {
	d := &Detector{
		threshold: defaultThreshold,
		phrases:   make(map[Command][]string, len(defaultPhrases)),
	}
	for cmd, ps := range defaultPhrases {
		d.phrases[cmd] = append([]string(nil), ps...)
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Detect returns the control command spoken in text, or [CommandNone]. When
// several phrases match, the one with the highest similarity wins.
func (d *Detector) Detect(text string) Command {
	tokens := strings.Fields(strings.ToLower(strings.TrimSpace(text)))
	if len(tokens) == 0 {
		return CommandNone
	}

	best := CommandNone
	bestScore := 0.0

	for cmd, phrases := range d.phrases {
		for _, phrase := range phrases {
			phraseTokens := strings.Fields(strings.ToLower(phrase))
			if len(phraseTokens) == 0 {
				continue
			}
			if score, ok := d.matchPhrase(tokens, phraseTokens); ok && score > bestScore {
				best = cmd
				bestScore = score
			}
		}
	}
	return best
}

// matchPhrase slides a window of len(phraseTokens) over tokens and returns
// the best accepted similarity score.
func (d *Detector) matchPhrase(tokens, phraseTokens []string) (float64, bool) {
	phraseCodes := codesForTokens(phraseTokens)
	phraseJoined := strings.Join(phraseTokens, " ")

	window := len(phraseTokens)
	if window > len(tokens) {
		// Still compare the whole utterance for short inputs like "wrap up".
		window = len(tokens)
	}

	bestScore := 0.0
	matched := false

	for i := 0; i+window <= len(tokens); i++ {
		windowTokens := tokens[i : i+window]
		if !codesOverlap(codesForTokens(windowTokens), phraseCodes) {
			continue
		}
		score := matchr.JaroWinkler(strings.Join(windowTokens, " "), phraseJoined, false)
		if score >= d.threshold && score > bestScore {
			bestScore = score
			matched = true
		}
	}
	return bestScore, matched
}

// codesForTokens returns the union of all Double Metaphone codes for the
// given tokens. Empty codes are excluded.
func codesForTokens(tokens []string) map[string]struct{} {
	codes := make(map[string]struct{}, len(tokens)*2)
	for _, t := range tokens {
		p, s := matchr.DoubleMetaphone(t)
		if p != "" {
			codes[p] = struct{}{}
		}
		if s != "" {
			codes[s] = struct{}{}
		}
	}
	return codes
}

// codesOverlap returns true if the two code sets share at least one code.
func codesOverlap(a, b map[string]struct{}) bool {
	if len(a) > len(b) {
		a, b = b, a
	}
	for code := range a {
		if _, ok := b[code]; ok {
			return true
		}
	}
	return false
}
