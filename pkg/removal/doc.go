// Package removal holds the queue of departed hostnames that the leader
// removes from the cluster.
package removal
