package challenge

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/28Pollux28/kiln/pkg/metrics"
	yaml "github.com/oasdiff/yaml3"
	"go.uber.org/zap"
)

var ErrNotFound = errors.New("challenge not found")

// ChallengeIndexer is the interface for looking up and managing challenges.
// Consumers should depend on this interface rather than the concrete ChallengeIndex.
type ChallengeIndexer interface {
	Get(id string) (*Challenge, error)
	GetAll() []*Challenge
	GetAllContainerized() []*Challenge
	BuildIndex(baseDir string) error
}

var _ ChallengeIndexer = (*ChallengeIndex)(nil)

type ChallengeIndex struct {
	mu     sync.RWMutex
	challs map[string]*Challenge
}

type Challenge struct {
	Name              string       `yaml:"name"`
	Category          string       `yaml:"category"`
	RequiresContainer bool         `yaml:"requires_container"`
	Instance          InstanceSpec `yaml:"instance"`
}

// InstanceSpec describes what to launch for a containerized challenge.
type InstanceSpec struct {
	Image            string                 `yaml:"image"`
	Playbook         string                 `yaml:"playbook"`
	SSHPort          int                    `yaml:"ssh_port"`
	HTTPPort         int                    `yaml:"http_port"`
	Env              map[string]string      `yaml:"env"`
	DeployParameters map[string]interface{} `yaml:"deploy_parameters"`
}

// ID is the catalog key, "category/name".
func (c *Challenge) ID() string {
	return c.Category + "/" + c.Name
}

func NewChallengeIndex(baseDir string) (*ChallengeIndex, error) {
	idx := &ChallengeIndex{
		challs: make(map[string]*Challenge),
	}
	err := idx.BuildIndex(baseDir)
	if err != nil {
		return nil, err
	}
	return idx, nil
}

// BuildIndex rescans baseDir. On error the previous index is kept.
func (idx *ChallengeIndex) BuildIndex(baseDir string) error {
	challs := make(map[string]*Challenge)
	err := filepath.WalkDir(baseDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() && (d.Name() == ".git" || d.Name() == "node_modules" || d.Name() == "example") {
			return filepath.SkipDir
		}
		if d.IsDir() || (d.Name() != "challenge.yml" && d.Name() != "challenge.yaml") {
			return nil
		}
		chall, err := parseChallenge(path)
		if err != nil {
			return fmt.Errorf("parse %s: %w", path, err)
		}
		key := chall.ID()
		if _, dup := challs[key]; dup {
			return fmt.Errorf("duplicate challenge %s in %s", key, path)
		}
		challs[key] = chall
		zap.S().Infof("Registered challenge: %s (container: %t)", key, chall.RequiresContainer)

		return filepath.SkipDir
	})
	if err != nil {
		return err
	}

	idx.mu.Lock()
	idx.challs = challs
	idx.mu.Unlock()

	perCategory := make(map[string]int)
	for _, ch := range challs {
		perCategory[ch.Category]++
	}
	metrics.SetChallengesIndexed(perCategory)
	return nil
}

func (idx *ChallengeIndex) Get(id string) (*Challenge, error) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	chall, ok := idx.challs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return chall, nil
}

func (idx *ChallengeIndex) GetAll() []*Challenge {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	challs := make([]*Challenge, 0, len(idx.challs))
	for _, ch := range idx.challs {
		challs = append(challs, ch)
	}
	sortByID(challs)
	return challs
}

func (idx *ChallengeIndex) GetAllContainerized() []*Challenge {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	var out []*Challenge
	for _, ch := range idx.challs {
		if ch.RequiresContainer {
			out = append(out, ch)
		}
	}
	sortByID(out)
	return out
}

func sortByID(challs []*Challenge) {
	sort.Slice(challs, func(i, j int) bool { return challs[i].ID() < challs[j].ID() })
}

func parseChallenge(challengeFilePath string) (*Challenge, error) {
	data, err := os.ReadFile(challengeFilePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read challenge file: %w", err)
	}
	var challenge Challenge
	err = yaml.Unmarshal(data, &challenge)
	if err != nil {
		return nil, fmt.Errorf("failed to parse challenge file: %w", err)
	}
	if challenge.Name == "" {
		return nil, fmt.Errorf("missing name in challenge file")
	}
	if challenge.Category == "" {
		return nil, fmt.Errorf("missing category in challenge file")
	}
	if challenge.RequiresContainer && challenge.Instance.Image == "" && challenge.Instance.Playbook == "" {
		return nil, fmt.Errorf("container challenge needs instance.image or instance.playbook")
	}

	return &challenge, nil
}
