// Package trailers extracts structured metadata trailers, such as
// "Closes: <url>", from free-text commit messages.
package trailers

import (
	"regexp"
	"strings"
)

// Trailer is a single (name, value) metadata pair from a commit message.
// Continuation lines are newline-joined into the value.
type Trailer struct {
	Name  string
	Value string
}

// Prefixes of lines generated by version-control tooling. Their presence
// relaxes the trailer-block detection ratio below.
var generatedPrefixes = []string{
	"Signed-off-by: ",
	"(cherry picked from commit ",
}

var (
	trailerShapeRe = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9-]*\s*:`)
	trailerLineRe  = regexp.MustCompile(`^([A-Za-z0-9][A-Za-z0-9-]*)\s*:\s*(.*)$`)
)

// Parse extracts the trailers from a commit message, in source order.
//
// This borrows the heuristic from git core (trailer.c): scan backward from
// the end of the message for a blank line preceding a block of non-blank
// lines that either (i) are all trailer-shaped, or (ii) contain at least one
// tool-generated trailer and consist of at least 25% trailer-shaped lines.
func Parse(message string) []Trailer {
	lines := strings.Split(strings.TrimSpace(message), "\n")

	// The first paragraph is the title and cannot contain trailers.
	for len(lines) > 0 && lines[0] != "" {
		lines = lines[1:]
	}

	recognizedPrefix := false
	onlySpaces := true
	trailerLines := 0
	nonTrailerLines := 0
	possibleContinuations := 0

	i := len(lines) - 1
	for ; i >= 0; i-- {
		line := lines[i]

		if strings.TrimSpace(line) == "" {
			if onlySpaces {
				continue
			}
			if recognizedPrefix && trailerLines*3 >= nonTrailerLines {
				i++
				break
			}
			if trailerLines > 0 && nonTrailerLines == 0 {
				i++
				break
			}
			return nil
		}

		onlySpaces = false

		switch {
		case hasGeneratedPrefix(line):
			trailerLines++
			possibleContinuations = 0
			recognizedPrefix = true
		case trailerShapeRe.MatchString(line):
			trailerLines++
			possibleContinuations = 0
		case line[0] == ' ' || line[0] == '\t':
			possibleContinuations++
		default:
			nonTrailerLines += 1 + possibleContinuations
			possibleContinuations = 0
		}
	}
	if i < 0 {
		i = 0
	}

	// Collect trailers from the discovered block. A line that does not
	// open a trailer but starts with whitespace continues the current
	// trailer's value.
	var parsed []Trailer
	var name, value string
	open := false

	for _, line := range lines[i:] {
		if match := trailerLineRe.FindStringSubmatch(line); match != nil {
			if open {
				parsed = append(parsed, Trailer{Name: name, Value: value})
			}
			name, value = match[1], match[2]
			open = true
		} else if open && len(line) > 0 && (line[0] == ' ' || line[0] == '\t') {
			value += "\n" + line
		}
	}
	if open {
		parsed = append(parsed, Trailer{Name: name, Value: value})
	}

	return parsed
}

func hasGeneratedPrefix(line string) bool {
	for _, prefix := range generatedPrefixes {
		if strings.HasPrefix(line, prefix) {
			return true
		}
	}
	return false
}
