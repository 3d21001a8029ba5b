// gatewayctl is the operator CLI: health, breaker and budget views plus a
// one-shot invoke for smoke-testing a deployment.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/fatih/color"
)

const version = "1.0.0"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	gateway := os.Getenv("GATEWAY_URL")
	if gateway == "" {
		gateway = "http://localhost:8080"
	}
	apiKey := os.Getenv("GATEWAY_API_KEY")

	c := &client{base: gateway, apiKey: apiKey, http: &http.Client{Timeout: 30 * time.Second}}

	switch os.Args[1] {
	case "health":
		cmdHealth(c)
	case "breakers":
		cmdBreakers(c)
	case "budget":
		cmdBudget(c)
	case "invoke":
		cmdInvoke(c, os.Args[2:])
	case "version":
		fmt.Printf("gatewayctl v%s\n", version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`Gateway Operator CLI v` + version + `

Usage: gatewayctl <command> [flags]

Commands:
  health    Show gateway and billing-guard status
  breakers  Show circuit breaker states per provider:model
  budget    Show spend per budget key
  invoke    Send a one-shot completion through the gateway
  version   Print version
  help      Show this help

Environment:
  GATEWAY_URL      Gateway URL (default: http://localhost:8080)
  GATEWAY_API_KEY  gw_ API key for authenticated endpoints

Examples:
  gatewayctl health
  gatewayctl invoke --agent coder --prompt 'write a quicksort'`)
}

type client struct {
	base   string
	apiKey string
	http   *http.Client
}

func (c *client) get(path string, out interface{}) error {
	req, err := http.NewRequest("GET", c.base+path, nil)
	if err != nil {
		return err
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s: %s", resp.Status, bytes.TrimSpace(body))
	}
	return json.Unmarshal(body, out)
}

func cmdHealth(c *client) {
	var health struct {
		Status       string `json:"status"`
		BillingGuard string `json:"billing_guard"`
		OpenCircuits int    `json:"open_circuits"`
	}
	if err := c.get("/v1/health", &health); err != nil {
		fail("health", err)
	}

	statusColor := color.New(color.FgGreen)
	if health.Status != "ok" {
		statusColor = color.New(color.FgRed)
	}
	fmt.Printf("status:        %s\n", statusColor.Sprint(health.Status))
	fmt.Printf("billing guard: %s\n", guardColor(health.BillingGuard).Sprint(health.BillingGuard))
	fmt.Printf("open circuits: %d\n", health.OpenCircuits)
}

func guardColor(state string) *color.Color {
	switch state {
	case "ready":
		return color.New(color.FgGreen)
	case "bypassed":
		return color.New(color.FgYellow)
	default:
		return color.New(color.FgRed)
	}
}

func cmdBreakers(c *client) {
	var breakers map[string]struct {
		State               string `json:"State"`
		ConsecutiveFailures int    `json:"ConsecutiveFailures"`
		TotalFailures       int64  `json:"TotalFailures"`
		TotalSuccesses      int64  `json:"TotalSuccesses"`
	}
	if err := c.get("/v1/admin/breakers", &breakers); err != nil {
		fail("breakers", err)
	}
	if len(breakers) == 0 {
		fmt.Println("no endpoints observed yet")
		return
	}
	for key, b := range breakers {
		stateColor := color.New(color.FgGreen)
		switch b.State {
		case "OPEN":
			stateColor = color.New(color.FgRed)
		case "HALF_OPEN":
			stateColor = color.New(color.FgYellow)
		}
		fmt.Printf("%-40s %s  fail=%d ok=%d\n", key, stateColor.Sprintf("%-9s", b.State),
			b.TotalFailures, b.TotalSuccesses)
	}
}

func cmdBudget(c *client) {
	var budget struct {
		Spent map[string]string `json:"spent_micro_usd"`
	}
	if err := c.get("/v1/admin/budget", &budget); err != nil {
		fail("budget", err)
	}
	if len(budget.Spent) == 0 {
		fmt.Println("no spend recorded")
		return
	}
	for key, spent := range budget.Spent {
		fmt.Printf("%-30s %s µUSD\n", key, spent)
	}
}

func cmdInvoke(c *client, args []string) {
	fs := flag.NewFlagSet("invoke", flag.ExitOnError)
	agent := fs.String("agent", "chat", "agent binding to invoke")
	prompt := fs.String("prompt", "", "user prompt")
	project := fs.String("project", "cli", "budget project scope")
	fs.Parse(args)

	if *prompt == "" {
		fail("invoke", fmt.Errorf("--prompt is required"))
	}

	body, _ := json.Marshal(map[string]interface{}{
		"agent":    *agent,
		"messages": []map[string]string{{"role": "user", "content": *prompt}},
		"scope":    map[string]string{"project": *project},
	})

	req, err := http.NewRequest("POST", c.base+"/v1/invoke", bytes.NewReader(body))
	if err != nil {
		fail("invoke", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		fail("invoke", err)
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(resp.Body)

	if resp.StatusCode != http.StatusOK {
		var werr struct {
			Error   string            `json:"error"`
			Code    string            `json:"code"`
			Details map[string]string `json:"details"`
		}
		json.Unmarshal(respBody, &werr)
		msg := werr.Details["message"]
		if msg == "" {
			msg = werr.Error
		}
		color.Red("%s [%s/%s]", msg, werr.Error, werr.Code)
		os.Exit(1)
	}

	var out struct {
		Pool      string `json:"pool"`
		Provider  string `json:"provider"`
		Model     string `json:"model"`
		Content   string `json:"content"`
		CostTotal string `json:"cost_total_micro_usd"`
		TraceID   string `json:"trace_id"`
	}
	if err := json.Unmarshal(respBody, &out); err != nil {
		fail("invoke", err)
	}

	color.Cyan("%s -> %s/%s (trace %s, %s µUSD)", out.Pool, out.Provider, out.Model, out.TraceID, out.CostTotal)
	fmt.Println(out.Content)
}

func fail(cmd string, err error) {
	color.Red("%s: %v", cmd, err)
	os.Exit(1)
}
