package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"
)

var (
	httpDo    = (&http.Client{Timeout: 15 * time.Second}).Do
	lookupEnv = os.Getenv
)

type apiError struct {
	Status  int    `json:"-"`
	Code    string `json:"error"`
	Message string `json:"message"`
}

type remoteFlags struct {
	endpoint string
	token    string
}

func newFlagSet(name string, stderr io.Writer) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	return fs
}

func (r *remoteFlags) register(fs *flag.FlagSet) {
	endpoint := strings.TrimSpace(lookupEnv(endpointEnv))
	if endpoint == "" {
		endpoint = defaultEndpoint
	}
	fs.StringVar(&r.endpoint, "endpoint", endpoint, "vestingd base URL")
	fs.StringVar(&r.token, "token", lookupEnv(tokenEnv), "bearer token")
}

// call performs a JSON request against vestingd. A non-2xx response is
// returned as an apiError rather than a transport error.
func (r *remoteFlags) call(method, path, idempotencyKey string, body any) (json.RawMessage, *apiError, error) {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, nil, fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequest(method, strings.TrimRight(r.endpoint, "/")+path, reader)
	if err != nil {
		return nil, nil, err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token := strings.TrimSpace(r.token); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}
	resp, err := httpDo(req)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &apiError{Status: resp.StatusCode}
		if jsonErr := json.Unmarshal(data, apiErr); jsonErr != nil || apiErr.Code == "" {
			apiErr.Code = http.StatusText(resp.StatusCode)
			apiErr.Message = strings.TrimSpace(string(data))
		}
		return nil, apiErr, nil
	}
	return data, nil, nil
}

// finish prints the outcome of a remote call and returns the exit code.
func finish(stdout, stderr io.Writer, data json.RawMessage, apiErr *apiError, err error) int {
	if err != nil {
		return printError(stderr, err.Error())
	}
	if apiErr != nil {
		fmt.Fprintf(stderr, "API error %d %s: %s\n", apiErr.Status, apiErr.Code, apiErr.Message)
		return 1
	}
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, data, "", "  "); err != nil {
		fmt.Fprintln(stdout, string(data))
		return 0
	}
	fmt.Fprintln(stdout, pretty.String())
	return 0
}
