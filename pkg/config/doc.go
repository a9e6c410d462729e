/*
Package config loads the herd agent configuration.

Values come from herd.yaml (the working directory or /etc/herd, or an
explicit file) and HERD_* environment variables, with nested keys joined by
underscores (HERD_RETRY_ATTEMPTS). The result is validated with struct tags.
The configured role is passed through unchecked so that the coordinator can
report an invalid or changed role as a blocked unit.
*/
package config
