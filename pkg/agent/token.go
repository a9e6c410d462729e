package agent

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net"
	"strconv"
)

// ClusterAgentPort is the port the cluster agent accepts joins on
const ClusterAgentPort = 25000

// GenerateToken generates a random join token
func GenerateToken() (string, error) {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		return "", fmt.Errorf("failed to generate random token: %w", err)
	}
	return hex.EncodeToString(bytes), nil
}

// JoinURL composes the address a peer uses to join through ingress
func JoinURL(ingress, token string) string {
	return net.JoinHostPort(ingress, strconv.Itoa(ClusterAgentPort)) + "/" + token
}
