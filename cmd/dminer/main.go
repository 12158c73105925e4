// Command dminer is the CLI operator surface for the dMint miner:
// flags for algorithm, difficulty, DAA configuration, wallet identity,
// and the contract to mine, wiring the engine, claim coordinator, chain
// gateway, and local persistence together.
package main

import (
	"context"
	"encoding/hex"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"

	"go.dmint.dev/miner/algo"
	"go.dmint.dev/miner/chain"
	"go.dmint.dev/miner/claim"
	"go.dmint.dev/miner/daa"
	"go.dmint.dev/miner/device"
	"go.dmint.dev/miner/script"
	"go.dmint.dev/miner/store"
	"go.dmint.dev/miner/types"
	"go.dmint.dev/miner/wallet"
)

// Exit codes
const (
	exitOK                   = 0
	exitConfigInvalid        = 1
	exitUnsupportedAlgorithm = 2
	exitDeviceUnavailable    = 3
	exitInterrupted          = 130
)

func main() {
	os.Exit(run())
}

type flags struct {
	algo            uint
	difficulty      uint64
	daaMode         string
	targetBlockTime uint
	epochLength     uint64
	maxAdjustment   uint64
	halfLife        uint
	windowSize      int
	threads         int
	workgroups      int
	address         string
	contractRef     string
	maxMemoryMB     uint
	privateKeyHex   string
	servers         string
	discoveryURL    string
	message         string
	configPath      string
	cachePath       string
}

func parseFlags(args []string) (flags, error) {
	fs := flag.NewFlagSet("dminer", flag.ContinueOnError)
	var f flags
	fs.UintVar(&f.algo, "algo", 0, "algorithm id: 0=sha256d 1=blake3 2=k12 3=argon2id-light")
	fs.Uint64Var(&f.difficulty, "difficulty", 1, "initial difficulty")
	fs.StringVar(&f.daaMode, "daa-mode", "fixed", "DAA mode: fixed|epoch|asert-lite|lwma|schedule")
	fs.UintVar(&f.targetBlockTime, "target-block-time", 600, "target seconds per mint")
	fs.Uint64Var(&f.epochLength, "epoch-length", 2016, "epoch mode: heights per epoch")
	fs.Uint64Var(&f.maxAdjustment, "max-adjustment", 4, "epoch mode: max adjustment factor")
	fs.UintVar(&f.halfLife, "half-life", 600, "asert-lite mode: half-life in seconds")
	fs.IntVar(&f.windowSize, "window-size", 45, "lwma mode: window size in blocks")
	fs.IntVar(&f.threads, "threads", 1, "device workgroup hint: thread count")
	fs.IntVar(&f.workgroups, "workgroups", 1, "device workgroup hint: workgroup count")
	fs.StringVar(&f.address, "address", "", "wallet mining address (addr:<hex>, 20 bytes)")
	fs.StringVar(&f.contractRef, "contract-ref", "", "contract reference, txid:vout")
	fs.UintVar(&f.maxMemoryMB, "max-memory", 0, "max memory in MB (argon2id-light)")
	fs.StringVar(&f.privateKeyHex, "key", "", "hex-encoded secp256k1 signing key")
	fs.StringVar(&f.servers, "servers", "", "comma-separated chain server URLs")
	fs.StringVar(&f.discoveryURL, "discovery-url", "", "contract discovery server base URL")
	fs.StringVar(&f.message, "message", "", "mint-message annotation")
	fs.StringVar(&f.configPath, "config", "", "YAML config file, layered under flags")
	fs.StringVar(&f.cachePath, "cache", "dminer.db", "local SQLite cache path")
	if err := fs.Parse(args); err != nil {
		return flags{}, err
	}
	return f, nil
}

// applyConfig fills in any flag left at its zero value from cfg, letting
// explicit flags win over a persisted config (Persisted
// state).
func applyConfig(f *flags, cfg store.Config) {
	if f.address == "" {
		f.address = cfg.MiningAddress
	}
	if f.message == "" {
		f.message = cfg.MintMessage
	}
	if f.servers == "" {
		f.servers = strings.Join(cfg.PreferredServers, ",")
	}
	if f.discoveryURL == "" {
		f.discoveryURL = cfg.DiscoveryURL
	}
}

func run() int {
	f, err := parseFlags(os.Args[1:])
	if err != nil {
		return exitConfigInvalid
	}

	logger := log.New(os.Stderr, "dminer: ", log.LstdFlags)

	if f.configPath != "" {
		cfg, err := store.LoadConfig(f.configPath)
		if err != nil {
			logger.Printf("loading config: %v", err)
			return exitConfigInvalid
		}
		applyConfig(&f, cfg)
	}

	algoID := types.AlgoID(f.algo)
	if _, err := algo.Lookup(algoID); err != nil {
		logger.Printf("unsupported algorithm: %v", err)
		return exitUnsupportedAlgorithm
	}

	daaCfg, err := buildDaaConfig(f)
	if err != nil {
		logger.Printf("invalid DAA configuration: %v", err)
		return exitConfigInvalid
	}

	contractRef, err := parseRef(f.contractRef)
	if err != nil {
		logger.Printf("invalid contract reference: %v", err)
		return exitConfigInvalid
	}

	priv, err := parsePrivateKey(f.privateKeyHex)
	if err != nil {
		logger.Printf("invalid signing key: %v", err)
		return exitConfigInvalid
	}

	servers := splitNonEmpty(f.servers)
	if len(servers) == 0 {
		logger.Printf("at least one chain server is required")
		return exitConfigInvalid
	}

	if f.threads <= 0 || f.workgroups <= 0 {
		logger.Printf("device unavailable: threads and workgroups must be positive")
		return exitDeviceUnavailable
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	gateway := chain.NewWebsocketGateway(servers, logger)
	go gateway.Run(ctx)

	minerAddr, err := wallet.StandardAddress(priv.PublicKey())
	if err != nil {
		logger.Printf("deriving mining address: %v", err)
		return exitConfigInvalid
	}
	if f.address != "" && f.address != minerAddr.String() {
		logger.Printf("warning: -address %s does not match the signing key's derived address %s; using the derived address", f.address, minerAddr)
	}
	w, err := wallet.NewStaticWallet(priv, func(ctx context.Context) ([]types.UTXO, error) {
		return gateway.ListUnspent(ctx, minerAddr)
	})
	if err != nil {
		logger.Printf("constructing wallet: %v", err)
		return exitConfigInvalid
	}

	cache, err := store.OpenSQLiteCache(f.cachePath)
	if err != nil {
		logger.Printf("opening cache: %v", err)
		return exitConfigInvalid
	}
	defer cache.Close()

	_, current, err := gateway.FetchRef(ctx, contractRef)
	if err != nil {
		logger.Printf("fetching contract reference: %v", err)
		return exitConfigInvalid
	}
	raw, err := gateway.FetchTx(ctx, current.TxID, true)
	if err != nil {
		logger.Printf("fetching contract location: %v", err)
		return exitConfigInvalid
	}
	rawBin, err := chain.DecodeRawTx(raw)
	if err != nil {
		logger.Printf("decoding contract transaction: %v", err)
		return exitConfigInvalid
	}
	_ = cache.PutRawTx(ctx, current.TxID, rawBin)

	txn, err := claim.DecodeTransaction(rawBin)
	if err != nil {
		logger.Printf("decoding contract transaction: %v", err)
		return exitConfigInvalid
	}
	if int(current.Vout) >= len(txn.Outputs) {
		logger.Printf("parsing contract state: vout %d out of range (%d outputs)", current.Vout, len(txn.Outputs))
		return exitConfigInvalid
	}
	ps, err := script.ParseState(txn.Outputs[current.Vout].Script, contractRef)
	if err != nil {
		logger.Printf("parsing contract state: %v", err)
		return exitConfigInvalid
	}
	state := ps.ToContractState(current, f.message)
	daaState := daa.NewAnchoredState(f.difficulty, state.Height, nowSeconds())

	engine := device.New(f.workgroups, f.threads)

	coord := claim.New(gateway, w, engine, daaCfg, state, daaState, f.message, logger, claim.NotifyFunc(func(msg string) {
		logger.Printf("notice: %s", msg)
	}))

	if err := gateway.Subscribe(ctx, types.SubscriptionKey(contractRef), coord.OnSubscriptionStatus); err != nil {
		logger.Printf("subscribing to contract: %v", err)
	}

	go forwardCandidates(ctx, engine, coord)
	go engine.Run(ctx)
	coord.Prime(ctx)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	runErr := make(chan error, 1)
	go func() { runErr <- coord.Run(ctx) }()

	reportTicker := time.NewTicker(30 * time.Second)
	defer reportTicker.Stop()

	for {
		select {
		case <-sigCh:
			coord.Stop()
			cancel()
			<-runErr
			return exitInterrupted
		case err := <-runErr:
			if err != nil {
				logger.Printf("coordinator stopped: %v", err)
			}
			return exitOK
		case <-reportTicker.C:
			logger.Printf("height=%d accepted=%d rejected=%d hashrate=%s/s",
				coord.State().Height, coord.Accepted(), coord.Rejected(),
				humanize.SI(engine.HashRate(), "H"))
		}
	}
}

func forwardCandidates(ctx context.Context, engine *device.Driver, coord *claim.Coordinator) {
	for {
		select {
		case <-ctx.Done():
			return
		case n, ok := <-engine.Results():
			if !ok {
				return
			}
			coord.SubmitCandidate(n)
		}
	}
}

func buildDaaConfig(f flags) (daa.Config, error) {
	var cfg daa.Config
	switch strings.ToLower(f.daaMode) {
	case "fixed":
		cfg.Mode = daa.Fixed
	case "epoch":
		cfg.Mode = daa.Epoch
		cfg.EpochLength = f.epochLength
		cfg.TargetBlockTime = uint32(f.targetBlockTime)
		cfg.MaxAdjustment = f.maxAdjustment
	case "asert-lite", "asert":
		cfg.Mode = daa.ASERT
		cfg.TargetBlockTime = uint32(f.targetBlockTime)
		cfg.HalfLife = uint32(f.halfLife)
	case "lwma":
		cfg.Mode = daa.LWMA
		cfg.TargetBlockTime = uint32(f.targetBlockTime)
		cfg.WindowSize = f.windowSize
	case "schedule":
		cfg.Mode = daa.ScheduleMode
	default:
		return daa.Config{}, fmt.Errorf("unknown daa mode %q", f.daaMode)
	}
	if err := cfg.Validate(); err != nil {
		return daa.Config{}, err
	}
	return cfg, nil
}

func parseRef(s string) (types.Ref, error) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return types.Ref{}, fmt.Errorf("expected txid:vout, got %q", s)
	}
	var txid types.TxID
	if err := txid.UnmarshalText([]byte(parts[0])); err != nil {
		return types.Ref{}, err
	}
	vout, err := strconv.ParseUint(parts[1], 10, 32)
	if err != nil {
		return types.Ref{}, fmt.Errorf("parsing vout: %w", err)
	}
	return types.Ref{TxID: txid, Vout: uint32(vout)}, nil
}

func parsePrivateKey(s string) (types.PrivateKey, error) {
	b, err := hex.DecodeString(strings.TrimPrefix(s, "0x"))
	if err != nil {
		return types.PrivateKey{}, fmt.Errorf("decoding hex: %w", err)
	}
	if len(b) != 32 {
		return types.PrivateKey{}, fmt.Errorf("expected 32 bytes, got %d", len(b))
	}
	var priv types.PrivateKey
	copy(priv[:], b)
	return priv, nil
}

func splitNonEmpty(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

func nowSeconds() uint32 { return uint32(time.Now().Unix()) }
