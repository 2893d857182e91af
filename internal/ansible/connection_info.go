package ansible

import (
	"errors"
	"fmt"
	"strings"

	"github.com/28Pollux28/kiln/pkg/models"
)

var errNoConnectionInfo = errors.New("no connection info found")

// GetConnectionInfo derives how a player reaches the deployed containers. A
// traefik router rule wins for http; a publisher targeting sshPort becomes the
// ssh command and any other published port becomes the url.
func GetConnectionInfo(containers []ContainerInfo, host string, sshPort int, sshUser string) (models.ConnectionInfo, error) {
	var conn models.ConnectionInfo
	for _, ci := range containers {
		if conn.HTTPURL == "" {
			if domain := traefikHost(ci.Labels); domain != "" {
				conn.HTTPURL = "https://" + domain + "/"
			}
		}
		for _, pub := range ci.Publishers {
			// IPv6 bindings duplicate the IPv4 ones.
			if pub.PublishedPort == 0 || strings.Contains(pub.URL, ":") {
				continue
			}
			switch {
			case sshPort > 0 && pub.TargetPort == sshPort:
				if conn.SSHCommand == "" {
					conn.SSHCommand = fmt.Sprintf("ssh -p %d %s@%s", pub.PublishedPort, sshUser, host)
				}
			case conn.HTTPURL == "":
				proto := pub.Protocol
				if proto == "" {
					proto = "tcp"
				}
				conn.HTTPURL = fmt.Sprintf("%s://%s:%d", proto, host, pub.PublishedPort)
			}
		}
	}
	if conn.SSHCommand == "" && conn.HTTPURL == "" {
		return conn, errNoConnectionInfo
	}
	return conn, nil
}

// traefikHost extracts example.org from a rule such as Host(`example.org`).
func traefikHost(labels map[string]string) string {
	for k, v := range labels {
		if !strings.HasPrefix(k, "traefik.http.routers.") || !strings.HasSuffix(k, ".rule") {
			continue
		}
		parts := strings.Split(v, "`")
		if len(parts) >= 2 && parts[1] != "" {
			return parts[1]
		}
	}
	return ""
}
