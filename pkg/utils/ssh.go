package utils

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/28Pollux28/kiln/pkg/config"
	"go.uber.org/zap"
)

// InventoryHosts returns the hosts of an inline ansible inventory
// ("host1,host2,"). An inventory file path yields no hosts.
func InventoryHosts(inventory string) []string {
	if !strings.Contains(inventory, ",") {
		return nil
	}
	var hosts []string
	for _, h := range strings.Split(inventory, ",") {
		h = strings.TrimSpace(h)
		if h == "" {
			continue
		}
		// user@host:port entries keep only the host part.
		if i := strings.LastIndex(h, "@"); i >= 0 {
			h = h[i+1:]
		}
		hosts = append(hosts, h)
	}
	return hosts
}

// RegisterSSHHosts adds the inventory hosts missing from known_hosts so
// ansible runs are not stopped by host key prompts.
func RegisterSSHHosts(cfg *config.Config) error {
	hosts := InventoryHosts(cfg.Orchestrator.Ansible.Inventory)
	if len(hosts) == 0 {
		return nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("locate home directory: %w", err)
	}
	knownHostsPath := filepath.Join(home, ".ssh", "known_hosts")
	if err := os.MkdirAll(filepath.Dir(knownHostsPath), 0o700); err != nil {
		return err
	}

	var hostsToRegister []string
	for _, host := range hosts {
		if err := exec.Command("ssh-keygen", "-F", host, "-f", knownHostsPath).Run(); err == nil {
			zap.S().Infof("SSH host %s already registered", host)
			continue
		}
		hostsToRegister = append(hostsToRegister, host)
	}
	if len(hostsToRegister) == 0 {
		return nil
	}

	f, err := os.OpenFile(knownHostsPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return err
	}
	defer f.Close()

	for _, host := range hostsToRegister {
		zap.S().Infof("Registering SSH host %s", host)
		output, err := exec.Command("ssh-keyscan", "-H", host).Output()
		if err != nil {
			return fmt.Errorf("keyscan %s: %w", host, err)
		}
		if _, err = f.Write(output); err != nil {
			return err
		}
	}
	return nil
}
