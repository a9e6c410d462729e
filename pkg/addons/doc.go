// Package addons diffs enabled addons against the configured target and
// applies the difference, disables first.
package addons
