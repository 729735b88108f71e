package messaging

// Discord rejects messages over 2000 characters; responses are split into
// chunks below that limit, cutting at sentence or word boundaries so text
// reads naturally across messages.

// DefaultMaxLength leaves headroom under Discord's 2000-character cap for
// prefixes added by callers.
const DefaultMaxLength = 1900

// DefaultContinuation is appended to every chunk that has a follow-up.
const DefaultContinuation = "..."

// SplitOptions controls chunking. Zero values take the defaults above.
type SplitOptions struct {
	Prefix       string // prepended to the first chunk only
	Continuation string // appended to every non-final chunk
	MaxLength    int    // characters per message
}

func (o SplitOptions) withDefaults() SplitOptions {
	if o.MaxLength <= 0 {
		o.MaxLength = DefaultMaxLength
	}
	if o.Continuation == "" {
		o.Continuation = DefaultContinuation
	}
	return o
}

// Split breaks content into Discord-sized messages. The first chunk carries
// the prefix; every chunk with a successor ends with the continuation
// marker. Lengths are counted in runes so multi-byte text never splits
// mid-character.
func Split(content string, opts SplitOptions) []string {
	opts = opts.withDefaults()
	runes := []rune(content)
	prefix := []rune(opts.Prefix)
	cont := []rune(opts.Continuation)

	if len(prefix)+len(runes) <= opts.MaxLength {
		return []string{opts.Prefix + content}
	}

	var out []string

	// First chunk: room for both the prefix and the continuation marker.
	available := opts.MaxLength - len(prefix) - len(cont)
	cut := FindOptimalCutPoint(runes, available)
	out = append(out, opts.Prefix+string(runes[:cut])+opts.Continuation)
	rest := runes[cut:]

	for len(rest) > 0 {
		if len(rest) <= opts.MaxLength {
			out = append(out, string(rest))
			break
		}
		cut = FindOptimalCutPoint(rest, opts.MaxLength-len(cont))
		out = append(out, string(rest[:cut])+opts.Continuation)
		rest = rest[cut:]
	}
	return out
}

// Break preference: sentence endings beat punctuation, punctuation beats a
// plain space, and a line break is the last resort before a hard cut.
var breakGroups = []struct {
	pairs    []string
	singles  []rune
	priority int
}{
	{pairs: []string{". ", "! ", "? "}, priority: 1},
	{pairs: []string{", ", "; ", ": "}, priority: 2},
	{singles: []rune{' '}, priority: 3},
	{singles: []rune{'\n', '\r'}, priority: 4},
}

// FindOptimalCutPoint returns where to cut text so a chunk is at most
// maxLength runes without splitting a word. It scans backwards from
// maxLength, never below 70% of it, and takes the highest-preference break
// found; the break characters stay with the leading chunk.
func FindOptimalCutPoint(text []rune, maxLength int) int {
	if len(text) <= maxLength {
		return len(text)
	}

	best := maxLength
	bestPriority := 99
	floor := maxLength * 7 / 10

	for i := maxLength; i >= floor; i-- {
		var next rune
		if i+1 < len(text) {
			next = text[i+1]
		}
		for _, g := range breakGroups {
			if g.priority >= bestPriority {
				continue
			}
			for _, p := range g.pairs {
				pr := []rune(p)
				if text[i] == pr[0] && next == pr[1] {
					best = i + 2
					bestPriority = g.priority
				}
			}
			for _, s := range g.singles {
				if text[i] == s {
					best = i + 1
					bestPriority = g.priority
				}
			}
		}
		if bestPriority == 1 {
			break
		}
	}
	return best
}

// SplitIntoChunks hard-cuts text into maxLength-rune pieces with no boundary
// detection. Used for preformatted content like code blocks.
func SplitIntoChunks(text string, maxLength int) []string {
	runes := []rune(text)
	var chunks []string
	for i := 0; i < len(runes); i += maxLength {
		end := i + maxLength
		if end > len(runes) {
			end = len(runes)
		}
		chunks = append(chunks, string(runes[i:end]))
	}
	return chunks
}
