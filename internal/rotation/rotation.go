// Package rotation decides which image a user receives next.
//
// The policy is a pure function over (catalog, per-user sent history):
// pick the first catalog entry the user has not seen yet, and when the whole
// catalog has been seen, start a new cycle from the top. Each image is
// delivered exactly once per full cycle; cycles repeat indefinitely.
package rotation

import "errors"

// ErrNoImages is returned when the catalog is empty.
// Callers treat it as a benign no-op: no send, no state change.
var ErrNoImages = errors.New("rotation: no images available")

// Next selects the next image for a user.
//
// catalog is the ordered list of deliverable images, history the ordered list
// of images already delivered in the current cycle. Next returns the chosen
// image and the history the caller should commit once the send succeeds.
//
// If every catalog entry is already in history, the cycle wraps: the history
// resets and selection restarts from the top of the catalog. Inputs are never
// mutated.
func Next(catalog, history []string) (chosen string, newHistory []string, err error) {
	if len(catalog) == 0 {
		return "", history, ErrNoImages
	}

	seen := make(map[string]struct{}, len(history))
	for _, h := range history {
		seen[h] = struct{}{}
	}

	for _, img := range catalog {
		if _, ok := seen[img]; !ok {
			chosen = img
			break
		}
	}

	if chosen == "" {
		// Full cycle complete: start over.
		chosen = catalog[0]
		return chosen, []string{chosen}, nil
	}

	newHistory = make([]string, 0, len(history)+1)
	newHistory = append(newHistory, history...)
	newHistory = append(newHistory, chosen)
	return chosen, newHistory, nil
}
