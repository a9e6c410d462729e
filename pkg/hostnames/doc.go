// Package hostnames tracks the hostname each peer announced on a relation.
package hostnames
