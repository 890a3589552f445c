package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jessevdk/go-flags"
	log "github.com/sirupsen/logrus"
	mbp "go.gazette.dev/core/mainboilerplate"
	"go.gazette.dev/core/server"
	"go.gazette.dev/core/task"

	"github.com/stackflow-net/watchtower/go/api"
	"github.com/stackflow-net/watchtower/go/events"
	"github.com/stackflow-net/watchtower/go/executor"
	"github.com/stackflow-net/watchtower/go/signer"
	"github.com/stackflow-net/watchtower/go/stacks"
	"github.com/stackflow-net/watchtower/go/store"
	"github.com/stackflow-net/watchtower/go/verifier"
	"github.com/stackflow-net/watchtower/go/watchtower"
)

const iniFilename = "watchtower.ini"

// Config is the top-level configuration object of the watchtower service.
var Config = new(struct {
	Watchtower struct {
		Host            string   `long:"host" env:"HOST" default:"0.0.0.0" description:"Bind host of the HTTP server"`
		Port            string   `long:"port" env:"PORT" default:"8787" description:"Bind port of the HTTP server"`
		DBFile          string   `long:"db-file" env:"DB_FILE" default:"./data/watchtower-state.db" description:"Path of the SQLite state database"`
		MaxRecentEvents int      `long:"max-recent-events" env:"MAX_RECENT_EVENTS" default:"500" description:"Number of accepted events retained for inspection"`
		Contracts       []string `long:"contract" env:"CONTRACTS" env-delim:"," description:"Watched channel contract id (repeatable; empty watches all)"`
		Principals      []string `long:"principal" env:"PRINCIPALS" env-delim:"," description:"Watched principal (repeatable; empty watches all)"`
		LogRawEvents    bool     `long:"log-raw-events" env:"LOG_RAW_EVENTS" description:"Log raw contract event payloads"`

		MessageVersion string `long:"stackflow-message-version" env:"STACKFLOW_MESSAGE_VERSION" default:"0.6.0" description:"SIP-018 domain version of signed messages"`
		VerifierMode   string `long:"signature-verifier-mode" env:"SIGNATURE_VERIFIER_MODE" default:"readonly" choice:"readonly" choice:"accept-all" choice:"reject-all" description:"Signature verification mode"`
		RejectReason   string `long:"reject-reason" env:"REJECT_REASON" description:"Rejection reason reported in reject-all mode"`
		ExecutorMode   string `long:"dispute-executor-mode" env:"DISPUTE_EXECUTOR_MODE" default:"auto" choice:"auto" choice:"noop" choice:"mock" description:"Dispute submission mode"`
		OnlyBeneficial bool   `long:"dispute-only-beneficial" env:"DISPUTE_ONLY_BENEFICIAL" description:"Dispute only with states that improve the beneficiary's balance"`
		RPCTimeout     time.Duration `long:"rpc-timeout" env:"RPC_TIMEOUT" default:"10s" description:"Deadline of node RPCs issued by the verifier and executor"`

		ProducerKey       string `long:"producer-key" env:"PRODUCER_KEY" description:"Operator private key hex for co-signing and disputes"`
		SignerKey         string `long:"signer-key" env:"SIGNER_KEY" description:"Alias of --producer-key"`
		ProducerPrincipal string `long:"producer-principal" env:"PRODUCER_PRINCIPAL" description:"Override of the operator principal derived from the key"`
		SignerMode        string `long:"producer-signer-mode" env:"PRODUCER_SIGNER_MODE" default:"local-key" choice:"local-key" choice:"kms" description:"Operator signing backend"`
		KMSKeyID          string `long:"kms-key-id" env:"KMS_KEY_ID" description:"AWS KMS key id of the operator account (kms mode)"`
	} `group:"Watchtower" namespace:"watchtower" env-namespace:"WATCHTOWER"`

	Stacks struct {
		Network string `long:"network" env:"NETWORK" default:"devnet" choice:"mainnet" choice:"testnet" choice:"devnet" choice:"mocknet" description:"Stacks chain flavor"`
		APIURL  string `long:"api-url" env:"API_URL" description:"Node API base URL (default per network)"`
	} `group:"Stacks" namespace:"stacks" env-namespace:"STACKS"`

	Log         mbp.LogConfig         `group:"Logging" namespace:"log" env-namespace:"LOG"`
	Diagnostics mbp.DiagnosticsConfig `group:"Debug" namespace:"debug" env-namespace:"DEBUG"`
})

type cmdServe struct{}

func (cmdServe) Execute(_ []string) error {
	defer mbp.InitDiagnosticsAndRecover(Config.Diagnostics)()
	mbp.InitLog(Config.Log)

	log.WithFields(log.Fields{
		"config":    Config,
		"version":   mbp.Version,
		"buildDate": mbp.BuildDate,
	}).Info("watchtower configuration")

	var cfg = Config.Watchtower
	network, err := stacks.NetworkByName(Config.Stacks.Network)
	mbp.Must(err, "resolving stacks network")

	var apiURL = Config.Stacks.APIURL
	if apiURL == "" {
		apiURL = network.DefaultAPIURL
	}
	var node = stacks.NewClient(apiURL, cfg.RPCTimeout)

	stateStore, err := store.Open(cfg.DBFile, cfg.MaxRecentEvents)
	mbp.Must(err, "opening state store")

	backend, err := buildBackend(cfg.SignerMode, cfg.ProducerKey, cfg.SignerKey, cfg.KMSKeyID, network)
	mbp.Must(err, "building signer backend")
	mbp.Must(backend.EnsureReady(context.Background()), "initializing signer backend")

	var watched = make([]stacks.Principal, 0, len(cfg.Principals))
	for _, raw := range cfg.Principals {
		var p, err = stacks.ParsePrincipal(raw)
		mbp.Must(err, "parsing watched principal", "principal", raw)
		watched = append(watched, p)
	}

	tower, err := watchtower.New(stateStore,
		buildVerifier(cfg.VerifierMode, cfg.RejectReason, node),
		buildExecutor(cfg.ExecutorMode, backend, node, network),
		watchtower.Config{
			WatchedPrincipals:     watched,
			DisputeOnlyBeneficial: cfg.OnlyBeneficial,
		})
	mbp.Must(err, "building watchtower")

	var service = buildService(tower, stateStore, backend, cfg.ProducerPrincipal, network, cfg.MessageVersion)

	var httpAPI = &api.Server{
		Parser:           events.NewParser(cfg.Contracts, cfg.LogRawEvents),
		Tower:            tower,
		Signer:           service,
		Store:            stateStore,
		WatchedContracts: cfg.Contracts,
	}

	// Bind our server listener, grabbing a random available port if Port is zero.
	srv, err := server.New(cfg.Host, cfg.Port)
	mbp.Must(err, "building Server instance")
	srv.HTTPMux.Handle("/", httpAPI.Router())

	var (
		tasks    = task.NewGroup(context.Background())
		signalCh = make(chan os.Signal, 1)
	)
	srv.QueueTasks(tasks)

	log.WithFields(log.Fields{
		"endpoint": srv.Endpoint(),
		"network":  network.Name,
		"node":     apiURL,
		"db":       stateStore.Path(),
	}).Info("starting watchtower")

	// Install signal handler & start server tasks.
	signal.Notify(signalCh, syscall.SIGTERM, syscall.SIGINT)

	tasks.Queue("watch signalCh", func() error {
		select {
		case sig := <-signalCh:
			log.WithField("signal", sig).Info("caught signal")

			tasks.Cancel()
			srv.BoundedGracefulStop()
			return nil

		case <-tasks.Context().Done():
			return nil
		}
	})
	tasks.GoRun()

	// Block until all tasks complete. Assert none returned an error.
	mbp.Must(tasks.Wait(), "watchtower task failed")
	mbp.Must(stateStore.Close(), "closing state store")
	log.Info("goodbye")

	return nil
}

// buildBackend selects the operator signing backend. The producer key falls
// back to the signer-key alias; both empty yields a disabled backend.
func buildBackend(mode, producerKey, signerKey, kmsKeyID string, network stacks.Network) (signer.Backend, error) {
	switch mode {
	case "kms":
		return signer.NewKMS(context.Background(), kmsKeyID, network)
	case "local-key":
		if producerKey == "" {
			producerKey = signerKey
		}
		return signer.NewLocalKey(producerKey, network)
	default:
		return nil, fmt.Errorf("unknown signer mode %q", mode)
	}
}

func buildVerifier(mode, rejectReason string, node *stacks.Client) verifier.Verifier {
	switch mode {
	case "accept-all":
		log.Warn("signature verification is disabled; all states are accepted")
		return verifier.AcceptAll()
	case "reject-all":
		return verifier.RejectAll(rejectReason)
	default:
		return verifier.ReadOnly(node, 0)
	}
}

// buildExecutor resolves the dispute submission mode. Auto submits real
// transactions when an operator key is configured, and degrades to noop
// with a warning otherwise.
func buildExecutor(mode string, backend signer.Backend, node *stacks.Client, network stacks.Network) executor.Executor {
	switch mode {
	case "noop":
		return executor.Noop()
	case "mock":
		return executor.Mock()
	default:
		if backend.Principal().IsZero() {
			log.Warn("no operator key is configured; disputes will be recorded but not submitted")
			return executor.Noop()
		}
		return executor.Chain(node, backend, network, 0)
	}
}

// buildService wires the producer co-signing service, or nil when no
// operator identity is available.
func buildService(tower *watchtower.Tower, s *store.Store, backend signer.Backend, override string, network stacks.Network, messageVersion string) *signer.Service {
	var principal = backend.Principal()
	if override != "" {
		var p, err = stacks.ParsePrincipal(override)
		mbp.Must(err, "parsing producer principal")
		principal = p
	}
	if principal.IsZero() {
		log.Info("producer endpoints are disabled")
		return nil
	}

	log.WithFields(log.Fields{
		"principal": principal.String(),
		"mode":      backend.Mode(),
	}).Info("producer co-signing enabled")

	return signer.NewService(tower, s, backend, principal, stacks.Domain{
		Name:    "StackFlow",
		Version: messageVersion,
		ChainID: network.ChainID,
	})
}

func main() {
	var parser = flags.NewParser(Config, flags.Default)

	_, _ = parser.AddCommand("serve", "Serve as StackFlow watchtower", `
Serve the StackFlow watchtower with the provided configuration, watching
channel contract events and co-signing producer states, until signaled to
exit (via SIGTERM).
`, &cmdServe{})

	mbp.AddPrintConfigCmd(parser, iniFilename)
	mbp.MustParseConfig(parser, iniFilename)
}
