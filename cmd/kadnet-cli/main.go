package main

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"text/tabwriter"
	"time"

	"github.com/unicornultrafoundation/kadnet/internal/api"
	"github.com/unicornultrafoundation/kadnet/internal/identity"
)

var version = "dev"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	os.Args = append(os.Args[:1], os.Args[2:]...)

	switch cmd {
	case "identity":
		cmdIdentity()
	case "login":
		cmdLogin()
	case "status":
		cmdStatus()
	case "peers":
		cmdPeers()
	case "bucket":
		cmdBucket()
	case "lookup":
		cmdLookup()
	case "version":
		fmt.Printf("kadnet-cli %s\n", version)
	case "help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`Usage: kadnet-cli <command> [options]

Commands:
  identity    Show or generate node identity
  login       Obtain an admin API token
  status      Show node and routing table status
  peers       List live sessions
  bucket      Show one routing table bucket
  lookup      Run an iterative lookup for a target ID
  version     Show version
  help        Show this help`)
}

// --- Identity command ---

func cmdIdentity() {
	fs := flag.NewFlagSet("identity", flag.ExitOnError)
	path := fs.String("identity", "/etc/kadnet/identity.key", "identity key path")
	fs.Parse(os.Args[1:])

	id, err := identity.LoadOrGenerate(*path)
	if err != nil {
		fatal(err)
	}
	fmt.Printf("Node ID:    %s\n", id.NodeID)
	fmt.Printf("Public Key: %s\n", hex.EncodeToString(id.PublicKeyBytes()))
}

// --- API commands ---

func cmdLogin() {
	fs := flag.NewFlagSet("login", flag.ExitOnError)
	addr := fs.String("api", "http://127.0.0.1:9652", "admin API base URL")
	username := fs.String("user", "admin", "admin username")
	password := fs.String("password", "", "admin password")
	fs.Parse(os.Args[1:])

	c := &apiClient{base: *addr}
	var resp api.LoginResponse
	err := c.post("/api/v1/auth/login", api.LoginRequest{Username: *username, Password: *password}, &resp)
	if err != nil {
		fatal(err)
	}
	fmt.Println(resp.Token)
}

func cmdStatus() {
	c := clientFromFlags("status")
	var resp api.StatusResponse
	if err := c.get("/api/v1/status", &resp); err != nil {
		fatal(err)
	}
	fmt.Printf("Node ID:   %s\n", resp.NodeID)
	fmt.Printf("Endpoint:  %s\n", resp.Endpoint)
	fmt.Printf("Sessions:  %d\n", resp.Sessions)
	fmt.Printf("Nodes:     %d (%d replacements)\n", resp.Table.TotalNodes, resp.Table.TotalReplacements)
	if len(resp.Table.FullBuckets) > 0 {
		fmt.Printf("Full:      %v\n", resp.Table.FullBuckets)
	}
}

func cmdPeers() {
	c := clientFromFlags("peers")
	var resp struct {
		Peers []api.PeerStatus `json:"peers"`
	}
	if err := c.get("/api/v1/peers", &resp); err != nil {
		fatal(err)
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NODE\tENDPOINT\tROLE\tSTATE\tLAST MESSAGE")
	for _, p := range resp.Peers {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			p.NodeID[:8], p.Endpoint, p.Role, p.State, p.LastMessageAt.Format(time.RFC3339))
	}
	w.Flush()
}

func cmdBucket() {
	fs := flag.NewFlagSet("bucket", flag.ExitOnError)
	addr := fs.String("api", "http://127.0.0.1:9652", "admin API base URL")
	token := fs.String("token", "", "JWT auth token")
	distance := fs.Int("distance", 256, "log distance in [1,256]")
	fs.Parse(os.Args[1:])

	c := &apiClient{base: *addr, token: *token}
	var resp struct {
		Distance int      `json:"distance"`
		Nodes    []string `json:"nodes"`
	}
	if err := c.get(fmt.Sprintf("/api/v1/buckets/%d", *distance), &resp); err != nil {
		fatal(err)
	}
	for _, n := range resp.Nodes {
		fmt.Println(n)
	}
}

func cmdLookup() {
	fs := flag.NewFlagSet("lookup", flag.ExitOnError)
	addr := fs.String("api", "http://127.0.0.1:9652", "admin API base URL")
	token := fs.String("token", "", "JWT auth token")
	fs.Parse(os.Args[1:])
	if fs.NArg() < 1 {
		fatal(fmt.Errorf("usage: kadnet-cli lookup [options] <target-node-id>"))
	}

	c := &apiClient{base: *addr, token: *token}
	var resp struct {
		Target string `json:"target"`
		Nodes  []struct {
			NodeID   string `json:"node_id"`
			Endpoint string `json:"endpoint"`
		} `json:"nodes"`
	}
	if err := c.get("/api/v1/lookup/"+fs.Arg(0), &resp); err != nil {
		fatal(err)
	}
	for _, n := range resp.Nodes {
		fmt.Printf("%s %s\n", n.NodeID, n.Endpoint)
	}
}

func clientFromFlags(name string) *apiClient {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	addr := fs.String("api", "http://127.0.0.1:9652", "admin API base URL")
	token := fs.String("token", "", "JWT auth token")
	fs.Parse(os.Args[1:])
	return &apiClient{base: *addr, token: *token}
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	os.Exit(1)
}

// --- Minimal API client ---

type apiClient struct {
	base  string
	token string
}

func (c *apiClient) get(path string, out interface{}) error {
	req, err := http.NewRequest(http.MethodGet, c.base+path, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *apiClient) post(path string, body, out interface{}) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequest(http.MethodPost, c.base+path, bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *apiClient) do(req *http.Request, out interface{}) error {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("%s: %s", resp.Status, bytes.TrimSpace(data))
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(data, out)
}
