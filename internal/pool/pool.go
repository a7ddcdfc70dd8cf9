// Package pool implements the agent pool and the global dispatcher:
// create_agent, list_agents, destroy_agent, and shutdown_server. It owns
// every agent's resources and enforces the ceiling rule at creation time.
package pool

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"sync"
	"time"

	nexuscontext "github.com/nexus3-rt/nexus3/internal/context"
	"github.com/nexus3-rt/nexus3/internal/dispatcher"
	"github.com/nexus3-rt/nexus3/internal/metrics"
	"github.com/nexus3-rt/nexus3/internal/permission"
	"github.com/nexus3-rt/nexus3/internal/provider"
	"github.com/nexus3-rt/nexus3/internal/registry"
	"github.com/nexus3-rt/nexus3/internal/session"
	"github.com/nexus3-rt/nexus3/internal/tokens"
	"github.com/nexus3-rt/nexus3/pkg/nexusmodel"
)

var agentIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// SharedResources are immutable for the lifetime of the pool: the provider
// client, the shared tool registry, the token counter, and the prompt
// loader every agent is built from.
type SharedResources struct {
	Provider     provider.Provider
	Registry     *registry.Registry
	Counter      *tokens.Counter
	PromptLoader func(agentID string) func() string
	Logger       *slog.Logger
}

// CreateAgentRequest is the global dispatcher's create_agent input.
type CreateAgentRequest struct {
	AgentID           string
	Level             nexusmodel.PermissionLevel
	DisabledTools     []string
	Cwd               string
	Model             string
	SystemPrompt      string
	AllowedWritePaths []string
	AllowedReadPaths  []string
	AllowedHosts      []string
	NetworkAllowed    bool

	// Parent is the agent (if any) whose tool call is spawning this one. A
	// nil Parent means this is a root creation through the external,
	// non-interactive RPC surface, which may never escalate above
	// SANDBOXED regardless of the requested Level.
	Parent *AgentHandle
}

// AgentHandle is everything the pool tracks for one agent.
type AgentHandle struct {
	ID           string
	Dispatcher   *dispatcher.Dispatcher
	Session      *session.Session
	Policy       *nexusmodel.PermissionPolicy
	CreatedAt    time.Time
	messageCount func() int
}

// AgentSummary is the copy-on-read projection returned by ListAgents.
type AgentSummary struct {
	AgentID      string
	MessageCount int
	CreatedAt    time.Time
}

// Pool holds every live agent under one lock. Reads that must reflect a
// consistent snapshot (ListAgents) copy under the lock rather than ranging
// the live map, since DestroyAgent mutates it concurrently.
type Pool struct {
	shared SharedResources

	mu     sync.Mutex
	agents map[string]*AgentHandle

	logger *slog.Logger
}

// New constructs an empty Pool over shared resources.
func New(shared SharedResources) *Pool {
	logger := shared.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		shared: shared,
		agents: make(map[string]*AgentHandle),
		logger: logger.With("component", "pool"),
	}
}

// CreateAgent validates req, resolves the ceiling rule, and atomically
// builds and registers one agent's full resource set under the pool lock.
func (p *Pool) CreateAgent(req CreateAgentRequest) (string, error) {
	level := req.Level
	if level == "" {
		level = nexusmodel.LevelSandboxed
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	agentID := req.AgentID
	if agentID == "" {
		var err error
		agentID, err = randomAgentID()
		if err != nil {
			return "", fmt.Errorf("pool: generate agent id: %w", err)
		}
	} else if !agentIDPattern.MatchString(agentID) {
		return "", fmt.Errorf("pool: invalid agent id %q: must match [A-Za-z0-9_-]{1,64}", agentID)
	}
	if _, exists := p.agents[agentID]; exists {
		return "", fmt.Errorf("pool: agent id %q already exists", agentID)
	}

	var ceiling *nexusmodel.PermissionPolicy
	if req.Parent == nil {
		if level != nexusmodel.LevelSandboxed && level != nexusmodel.LevelTrusted {
			return "", fmt.Errorf("pool: non-interactive creation may not request level %q", level)
		}
		ceiling = &nexusmodel.PermissionPolicy{Level: nexusmodel.LevelSandboxed}
	} else {
		// A TRUSTED parent asking for a TRUSTED child gets a SANDBOXED child
		// rather than a refusal.
		if req.Parent.Policy.Level == nexusmodel.LevelTrusted && level == nexusmodel.LevelTrusted {
			level = nexusmodel.LevelSandboxed
		}
		if !permission.CanSpawnChild(req.Parent.Policy, level) {
			return "", fmt.Errorf("pool: agent %q (level %s) may not spawn a %s child", req.Parent.ID, req.Parent.Policy.Level, level)
		}
		ceiling = req.Parent.Policy
	}

	policy := &nexusmodel.PermissionPolicy{
		Level:             level,
		AllowedReadPaths:  req.AllowedReadPaths,
		AllowedWritePaths: req.AllowedWritePaths,
		AllowedHosts:      req.AllowedHosts,
		NetworkAllowed:    req.NetworkAllowed,
		DisabledTools:     req.DisabledTools,
		ParentCeiling:     ceiling,
	}

	systemPrompt := func() string { return req.SystemPrompt }
	if p.shared.PromptLoader != nil {
		systemPrompt = p.shared.PromptLoader(agentID)
	}

	view := registry.NewView(p.shared.Registry, req.DisabledTools)
	validator := registry.NewSchemaValidator()
	permEngine := permission.New()

	logger := p.logger.With("agent_id", agentID)
	mgr, err := newContextManagerFor(p.shared, systemPrompt, logger)
	if err != nil {
		return "", fmt.Errorf("pool: create context manager: %w", err)
	}

	sess := session.New(mgr, view, validator, permEngine, policy, p.shared.Provider, p.shared.Counter, systemPrompt, session.DefaultConfig(), logger)
	disp := dispatcher.New(agentID, sess, dispatcher.DefaultDispatchTimeout, logger)

	handle := &AgentHandle{
		ID:           agentID,
		Dispatcher:   disp,
		Session:      sess,
		Policy:       policy,
		CreatedAt:    time.Now(),
		messageCount: func() int { return sess.ContextInfo().MessageCount },
	}
	p.agents[agentID] = handle
	metrics.AgentsActive.Set(float64(len(p.agents)))

	return agentID, nil
}

// ListAgents returns a copy-on-read snapshot of every live agent.
func (p *Pool) ListAgents() []AgentSummary {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]AgentSummary, 0, len(p.agents))
	for _, h := range p.agents {
		out = append(out, AgentSummary{AgentID: h.ID, MessageCount: h.messageCount(), CreatedAt: h.CreatedAt})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out
}

// Agent returns the handle for agentID, or ok=false if it does not exist.
func (p *Pool) Agent(agentID string) (*AgentHandle, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	h, ok := p.agents[agentID]
	return h, ok
}

// DestroyAgent cancels every in-flight request for agentID, shuts down its
// dispatcher, and removes it from the pool.
func (p *Pool) DestroyAgent(agentID string) bool {
	p.mu.Lock()
	h, ok := p.agents[agentID]
	if ok {
		delete(p.agents, agentID)
	}
	count := len(p.agents)
	p.mu.Unlock()
	if !ok {
		return false
	}
	metrics.AgentsActive.Set(float64(count))
	h.Dispatcher.Shutdown()
	return true
}

// ShutdownServer cancels and removes every agent in the pool.
func (p *Pool) ShutdownServer() {
	p.mu.Lock()
	handles := make([]*AgentHandle, 0, len(p.agents))
	for _, h := range p.agents {
		handles = append(handles, h)
	}
	p.agents = make(map[string]*AgentHandle)
	p.mu.Unlock()

	metrics.AgentsActive.Set(0)
	for _, h := range handles {
		h.Dispatcher.Shutdown()
	}
}

func randomAgentID() (string, error) {
	buf := make([]byte, 4)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// newContextManagerFor builds a Manager whose compactor asks the pool's
// shared provider to summarize, per §4.7's model-agnostic compaction.
func newContextManagerFor(shared SharedResources, systemPrompt func() string, logger *slog.Logger) (*nexuscontext.Manager, error) {
	compactor := &provider.CompactorAdapter{Provider: shared.Provider}
	return nexuscontext.New(nexusmodel.DefaultContextConfig(), shared.Counter, compactor, systemPrompt, logger)
}
