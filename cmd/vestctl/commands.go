package main

import (
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"

	"tokenvest/native/vesting"
	"tokenvest/services/vestingd/server"
)

var now = time.Now

func runCurve(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("curve", stderr)
	var (
		total, unlock uint64
		start, end    int64
		steps         int
	)
	fs.Uint64Var(&total, "total", 0, "total amount in base units")
	fs.Uint64Var(&unlock, "unlock", 0, "amount unlocked at start")
	fs.Int64Var(&start, "start", 0, "start timestamp (unix seconds)")
	fs.Int64Var(&end, "end", 0, "end timestamp (unix seconds)")
	fs.IntVar(&steps, "steps", 10, "number of intervals to print")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if err := vesting.ValidateParams(start, end, unlock, total); err != nil {
		return printError(stderr, err.Error())
	}
	if steps <= 0 {
		return printError(stderr, "--steps must be positive")
	}

	tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TIMESTAMP\tVESTED\tLOCKED")
	var points []int64
	if start > math.MinInt64 {
		points = append(points, start-1)
	}
	span := uint64(end - start)
	for i := 0; i <= steps; i++ {
		offset := int64(span / uint64(steps) * uint64(i))
		if i == steps {
			offset = int64(span)
		}
		points = append(points, start+offset)
	}
	for _, at := range points {
		vested, err := vesting.VestedAmount(total, unlock, start, end, at)
		if err != nil {
			return printError(stderr, err.Error())
		}
		fmt.Fprintf(tw, "%d\t%d\t%d\n", at, vested, total-vested)
	}
	if err := tw.Flush(); err != nil {
		return printError(stderr, err.Error())
	}
	return 0
}

func runCreate(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("create", stderr)
	var (
		remote                          remoteFlags
		creatorAddr, beneficiary, asset string
		start, end                      int64
		total, unlock                   uint64
		idempotencyKey                  string
	)
	remote.register(fs)
	fs.StringVar(&creatorAddr, "creator", "", "creator address (defaults to the token subject)")
	fs.StringVar(&beneficiary, "beneficiary", "", "beneficiary address")
	fs.StringVar(&asset, "asset", "", "asset symbol")
	fs.Int64Var(&start, "start", 0, "start timestamp (unix seconds)")
	fs.Int64Var(&end, "end", 0, "end timestamp (unix seconds)")
	fs.Uint64Var(&total, "total", 0, "total amount in base units")
	fs.Uint64Var(&unlock, "unlock", 0, "amount unlocked at start")
	fs.StringVar(&idempotencyKey, "idempotency-key", "", "idempotency key (random when empty)")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if strings.TrimSpace(beneficiary) == "" {
		return printError(stderr, "--beneficiary is required")
	}
	if strings.TrimSpace(asset) == "" {
		return printError(stderr, "--asset is required")
	}
	if err := vesting.ValidateParams(start, end, unlock, total); err != nil {
		return printError(stderr, err.Error())
	}
	if idempotencyKey == "" {
		idempotencyKey = uuid.NewString()
	}
	body := map[string]any{
		"beneficiary":         beneficiary,
		"asset":               asset,
		"startTs":             start,
		"endTs":               end,
		"initialUnlockAmount": strconv.FormatUint(unlock, 10),
		"totalAmount":         strconv.FormatUint(total, 10),
	}
	if strings.TrimSpace(creatorAddr) != "" {
		body["creator"] = creatorAddr
	}
	data, apiErr, err := remote.call(http.MethodPost, "/v1/schedules", idempotencyKey, body)
	return finish(stdout, stderr, data, apiErr, err)
}

func parseKeyFlag(raw string) (vesting.Key, error) {
	if strings.TrimSpace(raw) == "" {
		return vesting.Key{}, fmt.Errorf("--key is required")
	}
	return vesting.ParseKey(raw)
}

func runGet(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("get", stderr)
	var (
		remote remoteFlags
		rawKey string
	)
	remote.register(fs)
	fs.StringVar(&rawKey, "key", "", "schedule key (0x-prefixed)")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	key, err := parseKeyFlag(rawKey)
	if err != nil {
		return printError(stderr, err.Error())
	}
	data, apiErr, err := remote.call(http.MethodGet, "/v1/schedules/"+key.Hex(), "", nil)
	return finish(stdout, stderr, data, apiErr, err)
}

func runStatus(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("status", stderr)
	var (
		remote remoteFlags
		rawKey string
		at     int64
	)
	remote.register(fs)
	fs.StringVar(&rawKey, "key", "", "schedule key (0x-prefixed)")
	fs.Int64Var(&at, "at", 0, "timestamp to evaluate (unix seconds, defaults to now)")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	key, err := parseKeyFlag(rawKey)
	if err != nil {
		return printError(stderr, err.Error())
	}
	if at == 0 {
		at = now().Unix()
	}
	query := url.Values{"at": []string{strconv.FormatInt(at, 10)}}
	data, apiErr, err := remote.call(http.MethodGet, "/v1/schedules/"+key.Hex()+"/status?"+query.Encode(), "", nil)
	return finish(stdout, stderr, data, apiErr, err)
}

func runClaim(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("claim", stderr)
	var (
		remote         remoteFlags
		rawKey         string
		idempotencyKey string
	)
	remote.register(fs)
	fs.StringVar(&rawKey, "key", "", "schedule key (0x-prefixed)")
	fs.StringVar(&idempotencyKey, "idempotency-key", "", "idempotency key (random when empty)")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	key, err := parseKeyFlag(rawKey)
	if err != nil {
		return printError(stderr, err.Error())
	}
	if idempotencyKey == "" {
		idempotencyKey = uuid.NewString()
	}
	data, apiErr, err := remote.call(http.MethodPost, "/v1/schedules/"+key.Hex()+"/claim", idempotencyKey, nil)
	return finish(stdout, stderr, data, apiErr, err)
}

func runBalance(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("balance", stderr)
	var (
		remote  remoteFlags
		address string
		asset   string
	)
	remote.register(fs)
	fs.StringVar(&address, "address", "", "account address")
	fs.StringVar(&asset, "asset", "", "asset symbol")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	addr, err := vesting.ParseAddress(address)
	if err != nil {
		return printError(stderr, err.Error())
	}
	symbol, err := vesting.NormalizeAsset(asset)
	if err != nil {
		return printError(stderr, err.Error())
	}
	data, apiErr, err := remote.call(http.MethodGet, "/v1/assets/"+symbol+"/balances/"+addr.Hex(), "", nil)
	return finish(stdout, stderr, data, apiErr, err)
}

func runToken(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("token", stderr)
	var (
		secret, secretEnv, subject string
		issuer, audience           string
		ttl                        time.Duration
	)
	fs.StringVar(&secret, "secret", "", "HMAC secret shared with vestingd")
	fs.StringVar(&secretEnv, "secret-env", "VESTINGD_JWT_SECRET", "environment variable holding the secret when --secret is empty")
	fs.StringVar(&subject, "subject", "", "account address the token authenticates")
	fs.StringVar(&issuer, "issuer", "", "issuer claim")
	fs.StringVar(&audience, "audience", "", "audience claim")
	fs.DurationVar(&ttl, "ttl", time.Hour, "token lifetime")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if strings.TrimSpace(secret) == "" && secretEnv != "" {
		secret = lookupEnv(secretEnv)
	}
	addr, err := vesting.ParseAddress(subject)
	if err != nil {
		return printError(stderr, err.Error())
	}
	token, err := server.IssueToken(secret, addr, issuer, audience, ttl, now())
	if err != nil {
		return printError(stderr, err.Error())
	}
	fmt.Fprintln(stdout, token)
	return 0
}
