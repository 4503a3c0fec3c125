package subscription

import "path/filepath"

// globMatch wraps filepath.Match for file-path glob subscriptions
// (spec §4.7: "file-path globs").
func globMatch(pattern, path string) (bool, error) {
	return filepath.Match(pattern, path)
}
