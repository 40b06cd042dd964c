// Package runtime wires the orchestrator together: database, services,
// registries, event streaming, and the queue worker pool. An Instance is
// the embeddable entry point; cmd/parley adds the HTTP surface on top.
package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/parley-ai/parley/pkg/agent"
	"github.com/parley-ai/parley/pkg/cleanup"
	"github.com/parley-ai/parley/pkg/config"
	"github.com/parley-ai/parley/pkg/database"
	"github.com/parley-ai/parley/pkg/events"
	"github.com/parley-ai/parley/pkg/graph"
	"github.com/parley-ai/parley/pkg/llm"
	"github.com/parley-ai/parley/pkg/mcp"
	"github.com/parley-ai/parley/pkg/processor"
	"github.com/parley-ai/parley/pkg/queue"
	"github.com/parley-ai/parley/pkg/rag"
	"github.com/parley-ai/parley/pkg/services"
	"github.com/parley-ai/parley/pkg/tools"
)

// Instance is one fully wired orchestrator: storage, registries, event
// streaming, and the worker pool. Registries are per-Instance; two
// Instances in one process share nothing but the database they point at.
type Instance struct {
	cfg   *config.Config
	podID string

	db        *database.Client
	threads   *services.ThreadService
	messages  *services.MessageService
	documents *services.DocumentService
	history   *services.HistoryService
	graph     *graph.Store

	agents *agent.Registry
	tools  *tools.Registry
	llms   *llm.Registry

	embedder *rag.Embedder
	fetcher  *rag.Fetcher
	chunker  *rag.Chunker

	publisher *events.Publisher
	broker    *events.Broker
	listener  *events.NotifyListener
	retention *cleanup.Service

	queueStore *queue.Store
	processors *processor.Registry
	pool       *queue.Pool

	mcpClients []*mcp.Client

	logger *slog.Logger
}

// ResolvePodID determines the pod identifier for multi-replica
// coordination. Priority: POD_ID env > HOSTNAME env > "local".
func ResolvePodID() string {
	if id := os.Getenv("POD_ID"); id != "" {
		return id
	}
	if hostname := os.Getenv("HOSTNAME"); hostname != "" {
		return hostname
	}
	return "local"
}

// CreateInstance connects to the database (applying migrations) and wires
// a complete Instance from the configuration. The Instance is idle until
// Start is called.
func CreateInstance(ctx context.Context, cfg *config.Config) (*Instance, error) {
	client, err := database.NewClientFromDSN(ctx, cfg.Database.URL)
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}
	inst, err := CreateInstanceWithClient(cfg, client, ResolvePodID())
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	return inst, nil
}

// CreateInstanceWithClient wires an Instance over an existing database
// client. The Instance takes ownership of the client and closes it on
// Stop. Used by tests that manage their own connection.
func CreateInstanceWithClient(cfg *config.Config, client *database.Client, podID string) (*Instance, error) {
	logger := slog.Default()

	inst := &Instance{
		cfg:       cfg,
		podID:     podID,
		db:        client,
		threads:   services.NewThreadService(client.Pool()),
		messages:  services.NewMessageService(client.Pool()),
		documents: services.NewDocumentService(client.Pool()),
		graph:     graph.NewStore(client.Pool()),
		agents:    agent.NewRegistry(),
		tools:     tools.NewRegistry(),
		llms:      llm.NewRegistry(logger),
		fetcher:   rag.NewFetcher(),
		chunker:   rag.NewChunker(cfg.Chunking),
		logger:    logger,
	}
	inst.history = services.NewHistoryService(inst.messages, inst.threads)

	for _, a := range cfg.Agents {
		if err := inst.agents.Register(a); err != nil {
			return nil, fmt.Errorf("registering agent %q: %w", a.Name, err)
		}
	}
	if err := tools.RegisterBuiltins(inst.tools); err != nil {
		return nil, fmt.Errorf("registering builtin tools: %w", err)
	}

	if cfg.Embedding != nil {
		embedder, err := rag.NewEmbedder(*cfg.Embedding)
		if err != nil {
			return nil, fmt.Errorf("creating embedder: %w", err)
		}
		inst.embedder = embedder
	} else {
		logger.Info("No embedding config; vector search and auto-RAG disabled")
	}

	inst.publisher = events.NewPublisher(client.DB())
	inst.broker = events.NewBroker()
	// The listener is attached to the broker in Start, once its LISTEN
	// connection exists. Until then the broker accepts subscriptions in
	// single-process mode.
	inst.listener = events.NewNotifyListener(client.DSN(), inst.broker)
	inst.retention = cleanup.NewService(cfg.Retention, inst.publisher)

	inst.processors = processor.NewRegistry(&processor.Deps{
		Threads:        inst.threads,
		Messages:       inst.messages,
		Documents:      inst.documents,
		History:        inst.history,
		Graph:          inst.graph,
		Agents:         inst.agents,
		Tools:          inst.tools,
		LLM:            inst.llms,
		Embedder:       inst.embedder,
		Fetcher:        inst.fetcher,
		Chunker:        inst.chunker,
		Publisher:      inst.publisher,
		Logger:         logger,
		FileRoot:       cfg.Routing.FileRoot,
		SummarizeEvery: cfg.Routing.SummarizeEvery,
		HistoryLimit:   cfg.Routing.HistoryLimit,
	})

	inst.queueStore = queue.NewStore(client.Pool())
	inst.pool = queue.NewPool(podID, inst.queueStore, cfg.Queue, inst.processors)
	return inst, nil
}

// Start brings the Instance online: MCP server connections, the LISTEN
// connection for cross-pod notifications, then the worker pool (which
// first releases this pod's stale claims).
func (i *Instance) Start(ctx context.Context) error {
	if err := i.connectMCPServers(ctx); err != nil {
		return err
	}
	if err := i.listener.Start(ctx); err != nil {
		i.closeMCPClients()
		return fmt.Errorf("starting notify listener: %w", err)
	}
	i.broker.SetListener(i.listener)
	if err := i.pool.Start(ctx); err != nil {
		i.listener.Stop(ctx)
		i.closeMCPClients()
		return fmt.Errorf("starting worker pool: %w", err)
	}
	i.retention.Start(ctx)
	i.logger.Info("Instance started", "pod_id", i.podID, "workers", i.cfg.Queue.WorkerCount)
	return nil
}

// Stop drains the worker pool, stops the listener and retention sweep,
// closes MCP sessions, and closes the database. Workers finish their
// current events before exiting.
func (i *Instance) Stop(ctx context.Context) {
	i.pool.Stop()
	i.retention.Stop()
	i.listener.Stop(ctx)
	i.closeMCPClients()
	if err := i.db.Close(); err != nil {
		i.logger.Error("Error closing database client", "error", err)
	}
	i.logger.Info("Instance stopped", "pod_id", i.podID)
}

// connectMCPServers launches each configured MCP server and registers
// its tools. A server that fails to come up fails startup.
func (i *Instance) connectMCPServers(ctx context.Context) error {
	for _, serverCfg := range i.cfg.MCPServers {
		client, err := mcp.Connect(ctx, serverCfg)
		if err != nil {
			i.closeMCPClients()
			return fmt.Errorf("connecting MCP server %s: %w", serverCfg.Name, err)
		}
		if err := client.Register(i.tools); err != nil {
			client.Close()
			i.closeMCPClients()
			return err
		}
		i.mcpClients = append(i.mcpClients, client)
	}
	return nil
}

func (i *Instance) closeMCPClients() {
	for _, c := range i.mcpClients {
		if err := c.Close(); err != nil {
			i.logger.Warn("Error closing MCP client", "server", c.Name(), "error", err)
		}
	}
	i.mcpClients = nil
}

// PodID returns the pod identifier this Instance claims work under.
func (i *Instance) PodID() string { return i.podID }

// Config returns the configuration the Instance was built from.
func (i *Instance) Config() *config.Config { return i.cfg }

// DB returns the database client.
func (i *Instance) DB() *database.Client { return i.db }

// Threads returns the thread service.
func (i *Instance) Threads() *services.ThreadService { return i.threads }

// Messages returns the message service.
func (i *Instance) Messages() *services.MessageService { return i.messages }

// Documents returns the document service.
func (i *Instance) Documents() *services.DocumentService { return i.documents }

// History returns the history projection service.
func (i *Instance) History() *services.HistoryService { return i.history }

// Graph returns the knowledge graph store.
func (i *Instance) Graph() *graph.Store { return i.graph }

// Agents returns the agent registry. Agents may be registered before
// Start; registration after Start is safe but racy with in-flight routing.
func (i *Instance) Agents() *agent.Registry { return i.agents }

// Tools returns the tool registry for user-provided tools.
func (i *Instance) Tools() *tools.Registry { return i.tools }

// Processors returns the processor registry for custom event processors.
func (i *Instance) Processors() *processor.Registry { return i.processors }

// Publisher returns the stream event publisher.
func (i *Instance) Publisher() *events.Publisher { return i.publisher }

// Broker returns the in-process event broker.
func (i *Instance) Broker() *events.Broker { return i.broker }

// Pool returns the worker pool, for health reporting and cancellation.
func (i *Instance) Pool() *queue.Pool { return i.pool }

// Queue returns the queue store.
func (i *Instance) Queue() *queue.Store { return i.queueStore }
