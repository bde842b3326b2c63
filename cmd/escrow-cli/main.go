package main

import (
	"bufio"
	"crypto/rand"
	"fmt"
	"io"
	"math/big"
	"os"
	"strconv"
	"time"

	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcwallet/wallet/txrules"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"
	"github.com/urfave/cli/v2"

	"github.com/firefish-io/go-escrow/contract"
	"github.com/firefish-io/go-escrow/internal/utils"
	"github.com/firefish-io/go-escrow/session"
	"github.com/firefish-io/go-escrow/types"
)

// apiVersion is the persisted-state API version this build speaks.
const apiVersion = uint32(session.CurrentVersion)

func main() {
	viper.SetEnvPrefix("escrow")
	viper.AutomaticEnv()
	viper.SetDefault("log_level", "warn")

	level, err := log.ParseLevel(viper.GetString("log_level"))
	if err == nil {
		log.SetLevel(level)
	}
	log.SetOutput(os.Stderr)

	app := cli.NewApp()
	app.Name = "escrow-cli"
	app.Usage = "bitcoin loan escrow ceremony tool"
	app.Commands = []*cli.Command{
		keyCommand,
		offerCommand,
		prefundCommand,
		escrowCommand,
		printCommand,
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

var keyCommand = &cli.Command{
	Name:  "key",
	Usage: "witness key management",
	Subcommands: []*cli.Command{
		{
			Name:      "gen",
			Usage:     "generate a witness identity",
			ArgsUsage: "<ted-o|ted-p> <key-file>",
			Action:    keyGen,
		},
	},
}

func keyGen(ctx *cli.Context) error {
	if ctx.NArg() != 2 {
		return fmt.Errorf("usage: key gen <ted-o|ted-p> <key-file>")
	}
	role := ctx.Args().Get(0)
	var symbol rune
	switch role {
	case "ted-o":
		symbol = 'o'
	case "ted-p":
		symbol = 'p'
	default:
		return fmt.Errorf("invalid role %q (must be ted-o or ted-p)", role)
	}
	keys, err := contract.GenerateTedKeypairs()
	if err != nil {
		return err
	}
	if err := writeNonExisting(ctx.Args().Get(1), keys.Bytes()); err != nil {
		return err
	}
	fmt.Println(keys.Public().Format(symbol))
	return nil
}

var offerCommand = &cli.Command{
	Name:  "offer",
	Usage: "create, decode, assign or accept an offer",
	Subcommands: []*cli.Command{
		{
			Name:      "create",
			Usage:     "assemble and print a serialized offer",
			ArgsUsage: "<network> <amount> <liq-default-addr> [<liq-liquidation-addr>] <liq-fee-bump-addr> <default-after> <escrow-lock> <ted-o-keys> <ted-p-keys>",
			Action:    offerCreate,
		},
		{
			Name:   "decode",
			Usage:  "print a human-readable offer (stdin: offer)",
			Action: offerDecode,
		},
		{
			Name:      "assign",
			Usage:     "initialize a witness session (stdin: offer)",
			ArgsUsage: "<key-file> <state-out>",
			Action:    offerAssign,
		},
		{
			Name:      "accept",
			Usage:     "accept an offer as the borrower (stdin: offer)",
			ArgsUsage: "<state-out> <relative-lock-blocks> <return-addr>",
			Action:    offerAccept,
		},
	},
}

func parseLockTime(raw string) (uint32, error) {
	if unix, err := strconv.ParseUint(raw, 10, 32); err == nil {
		return uint32(unix), nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return 0, fmt.Errorf("invalid lock time %q (unix seconds or RFC 3339)", raw)
	}
	unix := t.Unix()
	if unix <= time.Now().Unix() {
		return 0, fmt.Errorf("lock time %q is in the past", raw)
	}
	if unix > int64(^uint32(0)) {
		return 0, fmt.Errorf("lock time %q is past the lock time overflow", raw)
	}
	return uint32(unix), nil
}

func offerCreate(ctx *cli.Context) error {
	args := ctx.Args().Slice()
	if len(args) != 8 && len(args) != 9 {
		return fmt.Errorf("wrong argument count, see offer create --help")
	}
	network, err := types.NetworkFromString(args[0])
	if err != nil {
		return err
	}
	sats, err := strconv.ParseInt(args[1], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid amount (satoshis): %w", err)
	}
	amount := btcutil.Amount(sats)
	next := 2
	defaultScript, err := utils.ParseAddressScript(args[next], network)
	if err != nil {
		return err
	}
	next++
	liquidationScript := defaultScript
	if len(args) == 9 {
		if liquidationScript, err = utils.ParseAddressScript(args[next], network); err != nil {
			return err
		}
		next++
	}
	feeBumpScript, err := utils.ParseAddressScript(args[next], network)
	if err != nil {
		return err
	}
	next++
	defaultAfter, err := parseLockTime(args[next])
	if err != nil {
		return err
	}
	next++
	escrowLock, err := parseLockTime(args[next])
	if err != nil {
		return err
	}
	next++
	if escrowLock >= defaultAfter {
		return fmt.Errorf("escrow lock must precede default-after")
	}

	var tedO, tedP contract.ParticipantKeys
	for _, raw := range args[next:] {
		role, keys, err := contract.ParseTedKeys(raw)
		if err != nil {
			return err
		}
		if role == contract.RoleTedO {
			tedO = keys
		} else {
			tedP = keys
		}
	}
	if tedO.Prefund == nil || tedP.Prefund == nil {
		return fmt.Errorf("both TED-O and TED-P keys are required")
	}

	feeBumpOut := &wire.TxOut{
		Value: int64(txrules.GetDustThreshold(
			len(feeBumpScript), txrules.DefaultRelayFeePerKb,
		)),
		PkScript: feeBumpScript,
	}
	index, err := rand.Int(rand.Reader, big.NewInt(2))
	if err != nil {
		return err
	}
	offer := &contract.Offer{
		Params: contract.EscrowParams{
			Network:                     network,
			LiquidatorScriptDefault:     defaultScript,
			LiquidatorScriptLiquidation: liquidationScript,
			MinCollateral:               amount,
			ExtraTerminationOutputs:     []*wire.TxOut{feeBumpOut},
			LiquidatorOutputIndex:       uint32(index.Int64()),
			RecoverLockTime:             escrowLock,
			DefaultLockTime:             defaultAfter,
		},
		EscrowKeys: contract.TedKeys{
			TedO: tedO.Escrow, TedP: tedP.Escrow,
		},
		PrefundKeys: contract.TedKeys{
			TedO: tedO.Prefund, TedP: tedP.Prefund,
		},
	}
	fmt.Println(utils.EncodeBase64(offer.Serialize()))
	return nil
}

func offerDecode(ctx *cli.Context) error {
	offer, err := offerFromStdin()
	if err != nil {
		return err
	}
	fmt.Printf("network: %s\n", offer.Params.Network)
	fmt.Printf("min collateral: %s\n", offer.Params.MinCollateral)
	fmt.Printf("default lock time: %d\n", offer.Params.DefaultLockTime)
	fmt.Printf("recover lock time: %d\n", offer.Params.RecoverLockTime)
	fmt.Printf("liquidator default script: %x\n", offer.Params.LiquidatorScriptDefault)
	fmt.Printf("liquidator liquidation script: %x\n", offer.Params.LiquidatorScriptLiquidation)
	fmt.Printf("ted-o escrow key: %x\n", schnorr.SerializePubKey(offer.EscrowKeys.TedO))
	fmt.Printf("ted-p escrow key: %x\n", schnorr.SerializePubKey(offer.EscrowKeys.TedP))
	return nil
}

func offerAssign(ctx *cli.Context) error {
	if ctx.NArg() != 2 {
		return fmt.Errorf("usage: offer assign <key-file> <state-out>")
	}
	keyBytes, err := os.ReadFile(ctx.Args().Get(0))
	if err != nil {
		return err
	}
	keys, err := contract.TedKeypairsFromBytes(keyBytes)
	if err != nil {
		return err
	}
	offer, err := offerFromStdin()
	if err != nil {
		return err
	}
	state, err := session.AssignOffer(keys, offer)
	if err != nil {
		return err
	}
	return writeNonExisting(ctx.Args().Get(1), state.Serialize())
}

func offerAccept(ctx *cli.Context) error {
	if ctx.NArg() != 3 {
		return fmt.Errorf("usage: offer accept <state-out> <relative-lock-blocks> <return-addr>")
	}
	cancelBlocks, err := strconv.ParseUint(ctx.Args().Get(1), 10, 16)
	if err != nil {
		return fmt.Errorf("invalid relative lock: %w", err)
	}
	offer, err := offerFromStdin()
	if err != nil {
		return err
	}
	returnScript, err := utils.ParseAddressScript(
		ctx.Args().Get(2), offer.Params.Network,
	)
	if err != nil {
		return err
	}
	state, err := session.AcceptOffer(offer, session.AcceptParams{
		Network:        offer.Params.Network,
		Now:            time.Now(),
		ReturnScript:   returnScript,
		CancelSequence: uint32(cancelBlocks),
	})
	if err != nil {
		return err
	}
	if err := writeNonExisting(ctx.Args().Get(0), state.Serialize()); err != nil {
		return err
	}
	address, err := state.FundingAddress()
	if err != nil {
		return err
	}
	spendInfo, err := state.SpendInfo()
	if err != nil {
		return err
	}
	fmt.Println()
	fmt.Println("=========================================================")
	fmt.Println("!!! WARNING !!!")
	fmt.Println("You MUST backup the state file before sending any satoshis!")
	fmt.Println("The state file is NOT encrypted!")
	fmt.Println("=========================================================")
	fmt.Println()
	fmt.Printf("Funding address: %s\n", address)
	fmt.Println()
	fmt.Printf("Spend info for the witnesses:\n%s\n", utils.EncodeBase64(spendInfo.Serialize()))
	return nil
}

var prefundCommand = &cli.Command{
	Name:  "prefund",
	Usage: "prefund stage operations",
	Subcommands: []*cli.Command{
		{
			Name:      "decode",
			Usage:     "print the funding address of a borrower state",
			ArgsUsage: "<state>",
			Action:    prefundDecode,
		},
		{
			Name:      "set-spend-info",
			Usage:     "verify and store the borrower spend info (stdin: spend info)",
			ArgsUsage: "<state>",
			Action:    prefundSetSpendInfo,
		},
		{
			Name:      "cancel",
			Usage:     "build the cancel transaction (stdin: prefund tx hex)",
			ArgsUsage: "<state> <fee-rate>",
			Action:    prefundCancel,
		},
	},
}

func prefundDecode(ctx *cli.Context) error {
	state, err := loadBorrower(ctx.Args().Get(0))
	if err != nil {
		return err
	}
	waiting, ok := state.(*session.BorrowerWaitingForFunding)
	if !ok {
		return fmt.Errorf("state is past the funding stage")
	}
	address, err := waiting.FundingAddress()
	if err != nil {
		return err
	}
	fmt.Printf("Funding address: %s\n", address)
	return nil
}

func prefundSetSpendInfo(ctx *cli.Context) error {
	path := ctx.Args().Get(0)
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	state, err := session.LoadTed(raw)
	if err != nil {
		return err
	}
	awaiting, ok := state.(*session.TedAwaitingSpendInfo)
	if !ok {
		return fmt.Errorf("witness state already presigned")
	}
	message, err := base64FromStdin()
	if err != nil {
		return err
	}
	info, err := contract.ParseSpendInfo(message)
	if err != nil {
		return err
	}
	if err := awaiting.SetSpendInfo(info); err != nil {
		return err
	}
	return atomicUpdate(path, awaiting.Serialize())
}

func prefundCancel(ctx *cli.Context) error {
	if ctx.NArg() != 2 {
		return fmt.Errorf("usage: prefund cancel <state> <fee-rate>")
	}
	state, err := loadBorrower(ctx.Args().Get(0))
	if err != nil {
		return err
	}
	feeRate, err := strconv.ParseUint(ctx.Args().Get(1), 10, 64)
	if err != nil {
		return fmt.Errorf("invalid fee rate: %w", err)
	}
	txs, err := transactionsFromStdin()
	if err != nil {
		return err
	}
	tx, err := state.Cancel(txs, feeRate, 0, contract.RelativeDelay{})
	if err != nil {
		return err
	}
	return printTx(tx)
}

var escrowCommand = &cli.Command{
	Name:  "escrow",
	Usage: "escrow ceremony operations",
	Subcommands: []*cli.Command{
		{
			Name:      "init-from-prefund",
			Usage:     "derive and pre-sign the template set (stdin: prefund tx hex)",
			ArgsUsage: "<state> <fee-rate-escrow> <fee-rate-children> <fee-bump-addr>",
			Action:    escrowInitFromPrefund,
		},
		{
			Name:      "presign",
			Usage:     "witness pre-signing (stdin: presign request)",
			ArgsUsage: "<state>",
			Action:    escrowPresign,
		},
		{
			Name:      "sign-from-prefund",
			Usage:     "verify witness bundles and sign the escrow (stdin: backup confirmation)",
			ArgsUsage: "<state> <ted-o-sigs> <ted-p-sigs>",
			Action:    escrowSignFromPrefund,
		},
		{
			Name:      "repayment",
			Usage:     "finalize the repayment transaction (stdin: TED-O sigs)",
			ArgsUsage: "<state>",
			Action:    escrowRepayment,
		},
		{
			Name:      "default",
			Usage:     "finalize the default transaction (stdin: TED-O sigs)",
			ArgsUsage: "<state>",
			Action:    escrowDefault,
		},
		{
			Name:      "liquidation",
			Usage:     "TED-O: emit the liquidation signature; TED-P: finalize (stdin: TED-O sig)",
			ArgsUsage: "<state>",
			Action:    escrowLiquidation,
		},
	},
}

func escrowInitFromPrefund(ctx *cli.Context) error {
	if ctx.NArg() != 4 {
		return fmt.Errorf("usage: escrow init-from-prefund <state> <fee-rate-escrow> <fee-rate-children> <fee-bump-addr>")
	}
	path := ctx.Args().Get(0)
	state, err := loadBorrower(path)
	if err != nil {
		return err
	}
	waiting, ok := state.(*session.BorrowerWaitingForFunding)
	if !ok {
		return fmt.Errorf("escrow already initialized for this state")
	}
	escrowFeeRate, err := strconv.ParseUint(ctx.Args().Get(1), 10, 64)
	if err != nil {
		return fmt.Errorf("invalid escrow fee rate: %w", err)
	}
	childFeeRate, err := strconv.ParseUint(ctx.Args().Get(2), 10, 64)
	if err != nil {
		return fmt.Errorf("invalid finalization fee rate: %w", err)
	}
	feeBumpScript, err := utils.ParseAddressScript(ctx.Args().Get(3), waiting.Network())
	if err != nil {
		return err
	}
	txs, err := transactionsFromStdin()
	if err != nil {
		return err
	}
	feeBumpOut := &wire.TxOut{
		Value: int64(txrules.GetDustThreshold(
			len(feeBumpScript), txrules.DefaultRelayFeePerKb,
		)),
		PkScript: feeBumpScript,
	}
	next, request, err := waiting.FundingReceived(contract.FundingOptions{
		Transactions:          txs,
		EscrowFeeRate:         escrowFeeRate,
		FinalizationFeeRate:   childFeeRate,
		RepaymentExtraOutputs: []*wire.TxOut{feeBumpOut},
		RecoverExtraOutputs:   []*wire.TxOut{feeBumpOut},
	})
	if err != nil {
		return err
	}
	if err := atomicUpdate(path, next.Serialize()); err != nil {
		return err
	}
	fmt.Printf("Presign request for the witnesses:\n%s\n", utils.EncodeBase64(request.Serialize()))
	return nil
}

func escrowPresign(ctx *cli.Context) error {
	path := ctx.Args().Get(0)
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	state, err := session.LoadTed(raw)
	if err != nil {
		return err
	}
	awaiting, ok := state.(*session.TedAwaitingSpendInfo)
	if !ok {
		return fmt.Errorf("witness state already presigned")
	}
	message, err := base64FromStdin()
	if err != nil {
		return err
	}
	request, err := contract.ParsePresignRequest(message)
	if err != nil {
		return err
	}
	next, bundle, err := awaiting.Presign(request)
	if err != nil {
		return err
	}
	fmt.Println(next.Explain())
	if err := atomicUpdate(path, next.Serialize()); err != nil {
		return err
	}
	w := types.NewWriter()
	bundle.Encode(w)
	fmt.Printf("Watch for this transaction to confirm: %s\n", next.EscrowTxid())
	fmt.Printf("Signatures:\n%s\n", utils.EncodeBase64(w.Bytes()))
	return nil
}

func escrowSignFromPrefund(ctx *cli.Context) error {
	if ctx.NArg() != 3 {
		return fmt.Errorf("usage: escrow sign-from-prefund <state> <ted-o-sigs> <ted-p-sigs>")
	}
	path := ctx.Args().Get(0)
	state, err := loadBorrower(path)
	if err != nil {
		return err
	}
	awaiting, ok := state.(*session.BorrowerAwaitingEscrowSigs)
	if !ok {
		return fmt.Errorf("state is not awaiting witness signatures")
	}
	msg1, err := utils.DecodeBase64(ctx.Args().Get(1))
	if err != nil {
		return err
	}
	msg2, err := utils.DecodeBase64(ctx.Args().Get(2))
	if err != nil {
		return err
	}
	// accept the bundles in either order
	if len(msg1) > 0 && msg1[0] == byte(contract.MessageTedPSigs) {
		msg1, msg2 = msg2, msg1
	}
	tedOSigs, err := contract.DecodeTedOSignatures(types.NewReader(msg1))
	if err != nil {
		return err
	}
	tedPSigs, err := contract.DecodeTedPSignatures(types.NewReader(msg2))
	if err != nil {
		return err
	}
	verified, err := awaiting.VerifySignatures(tedOSigs, tedPSigs)
	if err != nil {
		return err
	}
	recoverHex, err := utils.TxToHex(verified.RecoverTx())
	if err != nil {
		return err
	}
	fmt.Println()
	fmt.Println("===========================")
	fmt.Println()
	fmt.Println("IMPORTANT: You MUST backup the following transaction!")
	fmt.Println(recoverHex)
	fmt.Println()
	fmt.Println("===========================")
	fmt.Println()
	fmt.Println(`Write "I have backed it up" (without quotes) once you did`)
	if err := awaitBackupConfirmation(os.Stdin); err != nil {
		return err
	}
	signed, err := verified.AssembleEscrow()
	if err != nil {
		return err
	}
	if err := atomicUpdate(path, signed.Serialize()); err != nil {
		return err
	}
	escrowHex, err := utils.TxToHex(signed.EscrowTx())
	if err != nil {
		return err
	}
	fmt.Println()
	fmt.Println("===========================")
	fmt.Println("Done!")
	fmt.Println()
	fmt.Println("Broadcast this transaction:")
	fmt.Println(escrowHex)
	return nil
}

func awaitBackupConfirmation(r io.Reader) error {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		if scanner.Text() == "I have backed it up" {
			return nil
		}
		fmt.Println("You didn't back it up yet?")
	}
	return fmt.Errorf("transaction not backed up, aborting")
}

func escrowRepayment(ctx *cli.Context) error {
	return tedFinalize(ctx, func(state *session.TedPresigned, sigs *contract.TedOSignatures) (*wire.MsgTx, error) {
		return state.SignRepayment(sigs.Repayment)
	})
}

func escrowDefault(ctx *cli.Context) error {
	return tedFinalize(ctx, func(state *session.TedPresigned, sigs *contract.TedOSignatures) (*wire.MsgTx, error) {
		return state.SignDefault(sigs.Default)
	})
}

func tedFinalize(
	ctx *cli.Context,
	finalize func(*session.TedPresigned, *contract.TedOSignatures) (*wire.MsgTx, error),
) error {
	state, err := loadTedPresigned(ctx.Args().Get(0))
	if err != nil {
		return err
	}
	message, err := base64FromStdin()
	if err != nil {
		return err
	}
	tedOSigs, err := contract.DecodeTedOSignatures(types.NewReader(message))
	if err != nil {
		return err
	}
	tx, err := finalize(state, tedOSigs)
	if err != nil {
		return err
	}
	return printTx(tx)
}

func escrowLiquidation(ctx *cli.Context) error {
	state, err := loadTedPresigned(ctx.Args().Get(0))
	if err != nil {
		return err
	}
	if state.Role() == contract.RoleTedO {
		sig, err := state.LiquidationSignature()
		if err != nil {
			return err
		}
		fmt.Printf("Signature:\n%s\n", utils.EncodeBase64(sig.Serialize()))
		return nil
	}
	message, err := base64FromStdin()
	if err != nil {
		return err
	}
	tedOSig, err := schnorr.ParseSignature(message)
	if err != nil {
		return fmt.Errorf("invalid TED-O signature: %w", err)
	}
	tx, err := state.SignLiquidation(tedOSig)
	if err != nil {
		return err
	}
	return printTx(tx)
}

var printCommand = &cli.Command{
	Name:  "print",
	Usage: "print build information",
	Subcommands: []*cli.Command{
		{
			Name: "api-version",
			Action: func(ctx *cli.Context) error {
				fmt.Println(apiVersion)
				return nil
			},
		},
	},
}

func offerFromStdin() (*contract.Offer, error) {
	raw, err := base64FromStdin()
	if err != nil {
		return nil, err
	}
	return contract.ParseOffer(raw)
}

func base64FromStdin() ([]byte, error) {
	raw, err := io.ReadAll(os.Stdin)
	if err != nil {
		return nil, err
	}
	return utils.DecodeBase64(string(raw))
}

func transactionsFromStdin() ([]*wire.MsgTx, error) {
	raw, err := io.ReadAll(os.Stdin)
	if err != nil {
		return nil, err
	}
	return utils.ParseTransactionsHex(string(raw))
}

func loadBorrower(path string) (session.BorrowerState, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return session.LoadBorrower(raw)
}

func loadTedPresigned(path string) (*session.TedPresigned, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	state, err := session.LoadTed(raw)
	if err != nil {
		return nil, err
	}
	presigned, ok := state.(*session.TedPresigned)
	if !ok {
		return nil, fmt.Errorf("witness has not presigned yet")
	}
	return presigned, nil
}

func printTx(tx *wire.MsgTx) error {
	encoded, err := utils.TxToHex(tx)
	if err != nil {
		return err
	}
	fmt.Println(encoded)
	return nil
}

func writeNonExisting(path string, data []byte) error {
	file, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return fmt.Errorf("refusing to overwrite %s: %w", path, err)
	}
	defer file.Close()
	_, err = file.Write(data)
	return err
}

func atomicUpdate(path string, data []byte) error {
	tmp := path + ".tmp"
	file, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if _, err := file.Write(data); err != nil {
		file.Close()
		return err
	}
	if err := file.Sync(); err != nil {
		file.Close()
		return err
	}
	if err := file.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
