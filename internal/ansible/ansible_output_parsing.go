package ansible

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"go.uber.org/zap"
)

const composeAction = "community.docker.docker_compose_v2"

// ContainerInfo is one entry of the "containers" list reported by
// docker_compose_v2.
type ContainerInfo struct {
	Command    string            `json:"Command"`
	CreatedAt  string            `json:"CreatedAt"`
	ID         string            `json:"ID"`
	Image      string            `json:"Image"`
	Name       string            `json:"Name"`
	Ports      string            `json:"Ports"`
	State      string            `json:"State"`
	Status     string            `json:"Status"`
	Labels     map[string]string `json:"Labels"`
	Networks   []string          `json:"Networks"`
	Publishers []PublisherInfo   `json:"Publishers"`
}

type PublisherInfo struct {
	Protocol      string `json:"Protocol"`
	PublishedPort int    `json:"PublishedPort"`
	TargetPort    int    `json:"TargetPort"`
	URL           string `json:"URL"`
}

// Only the path down to the compose task results is modelled; the rest of the
// json callback output is ignored.
type hostResult struct {
	Action     string          `json:"action"`
	Containers json.RawMessage `json:"containers"`
}

type taskResult struct {
	Hosts map[string]hostResult `json:"hosts"`
}

type playResult struct {
	Tasks []taskResult `json:"tasks"`
}

type callbackOutput struct {
	Plays []playResult `json:"plays"`
}

var errNoPlays = errors.New("ansible output has no plays")

// ExtractContainerInfo collects the containers reported by every compose task
// in the json callback output read from r.
func ExtractContainerInfo(r io.Reader) ([]ContainerInfo, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read ansible output: %w", err)
	}
	var out callbackOutput
	if err := json.Unmarshal(raw, &out); err != nil {
		zap.S().Debugf("unparseable ansible output: %s", raw)
		return nil, fmt.Errorf("failed to unmarshal ansible output: %w", err)
	}
	if len(out.Plays) == 0 {
		return nil, errNoPlays
	}

	var containers []ContainerInfo
	for _, play := range out.Plays {
		for _, task := range play.Tasks {
			for host, res := range task.Hosts {
				if res.Action != composeAction || len(res.Containers) == 0 {
					continue
				}
				var forHost []ContainerInfo
				if err := json.Unmarshal(res.Containers, &forHost); err != nil {
					return nil, fmt.Errorf("failed to unmarshal containers for host %s: %w", host, err)
				}
				containers = append(containers, forHost...)
			}
		}
	}
	return containers, nil
}
