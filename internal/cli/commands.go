package cli

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/spf13/cobra"
)

// Call mirrors a call log row returned by the API.
type Call struct {
	CallSID         string     `json:"callSid"`
	StreamSID       string     `json:"streamSid"`
	From            string     `json:"from"`
	To              string     `json:"to"`
	ForwardedFrom   string     `json:"forwardedFrom"`
	BusinessID      int64      `json:"businessId"`
	Status          string     `json:"status"`
	Outcome         string     `json:"outcome"`
	DurationSeconds int        `json:"durationSeconds"`
	StartedAt       time.Time  `json:"startedAt"`
	EndedAt         *time.Time `json:"endedAt"`
}

// Delivery mirrors one notification attempt.
type Delivery struct {
	Channel   string    `json:"channel"`
	Template  string    `json:"template"`
	Recipient string    `json:"recipient"`
	EventID   string    `json:"eventId"`
	Success   bool      `json:"success"`
	Error     string    `json:"error"`
	CreatedAt time.Time `json:"createdAt"`
}

// Envelope mirrors a published event.
type Envelope struct {
	EventID   string                 `json:"event_id"`
	EventType string                 `json:"event_type"`
	Timestamp string                 `json:"timestamp"`
	StreamID  *string                `json:"stream_id"`
	CallID    *string                `json:"call_id"`
	Data      map[string]interface{} `json:"data"`
}

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check the API and the event bus",
	Run: func(cmd *cobra.Command, args []string) {
		client, ctx, err := mustClient()
		if err != nil {
			exitWithError(cmd, err)
			return
		}
		var api struct {
			Status string `json:"status"`
		}
		if err := client.GetJSON(cmd.Context(), "/healthz", &api); err != nil {
			exitWithError(cmd, err)
			return
		}
		var bus struct {
			Status   string   `json:"status"`
			Channels []string `json:"channels"`
		}
		busErr := client.GetJSON(cmd.Context(), "/customers/health", &bus)
		if busErr != nil {
			bus.Status = "unhealthy"
		}
		if outputFormat == "json" {
			_ = printJSON(cmd.OutOrStdout(), map[string]interface{}{"api": api.Status, "events": bus.Status, "channels": bus.Channels})
		} else {
			tw := newTable(cmd.OutOrStdout())
			fmt.Fprintf(tw, "SERVER\t%s\n", ctx.Server)
			fmt.Fprintf(tw, "API\t%s\n", api.Status)
			fmt.Fprintf(tw, "EVENT BUS\t%s\n", bus.Status)
			flushTable(tw)
		}
		if busErr != nil {
			exitWithError(cmd, busErr)
		}
	},
}

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Inspect call sessions",
}

var sessionGetCmd = &cobra.Command{
	Use:   "get <stream-id>",
	Short: "Show the latest customer snapshot of a stream",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		client, _, err := mustClient()
		if err != nil {
			exitWithError(cmd, err)
			return
		}
		var resp struct {
			StreamID string                 `json:"stream_id"`
			Data     map[string]interface{} `json:"data"`
		}
		if err := client.GetJSON(cmd.Context(), "/customers/sessions/"+url.PathEscape(args[0]), &resp); err != nil {
			exitWithError(cmd, err)
			return
		}
		if outputFormat == "json" {
			_ = printJSON(cmd.OutOrStdout(), resp)
			return
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Stream: %s\n", resp.StreamID)
		printFields(cmd.OutOrStdout(), resp.Data)
	},
}

var sessionEventCmd = &cobra.Command{
	Use:   "event <stream-id> <event-id>",
	Short: "Replay a persisted event",
	Args:  cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		client, _, err := mustClient()
		if err != nil {
			exitWithError(cmd, err)
			return
		}
		var env Envelope
		path := fmt.Sprintf("/customers/sessions/%s/events/%s", url.PathEscape(args[0]), url.PathEscape(args[1]))
		if err := client.GetJSON(cmd.Context(), path, &env); err != nil {
			exitWithError(cmd, err)
			return
		}
		if outputFormat == "json" {
			_ = printJSON(cmd.OutOrStdout(), env)
			return
		}
		printEnvelope(cmd, env)
	},
}

var (
	publishData     string
	publishFile     string
	publishStreamID string
	publishCallID   string
)

var publishCmd = &cobra.Command{
	Use:   "publish <event-type>",
	Short: "Publish an event onto the bus",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		client, _, err := mustClient()
		if err != nil {
			exitWithError(cmd, err)
			return
		}
		data, err := readPayload(publishData, publishFile)
		if err != nil {
			exitWithError(cmd, err)
			return
		}
		req := map[string]interface{}{
			"event_type": args[0],
			"stream_id":  publishStreamID,
			"call_id":    publishCallID,
			"data":       data,
		}
		var resp struct {
			Status  string   `json:"status"`
			Channel string   `json:"channel"`
			Event   Envelope `json:"event"`
		}
		if err := client.PostJSON(cmd.Context(), "/customers/events", req, &resp); err != nil {
			exitWithError(cmd, err)
			return
		}
		if outputFormat == "json" {
			_ = printJSON(cmd.OutOrStdout(), resp)
			return
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Published %s %s to %s\n", resp.Event.EventType, resp.Event.EventID, resp.Channel)
	},
}

var (
	validateData string
	validateFile string
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate a customer payload against the customer schema",
	Run: func(cmd *cobra.Command, args []string) {
		client, _, err := mustClient()
		if err != nil {
			exitWithError(cmd, err)
			return
		}
		data, err := readPayload(validateData, validateFile)
		if err != nil {
			exitWithError(cmd, err)
			return
		}
		var resp struct {
			Valid  bool                   `json:"valid"`
			Record map[string]interface{} `json:"record"`
		}
		if err := client.PostJSON(cmd.Context(), "/customers/validate", data, &resp); err != nil {
			exitWithError(cmd, err)
			return
		}
		if outputFormat == "json" {
			_ = printJSON(cmd.OutOrStdout(), resp)
			return
		}
		fmt.Fprintln(cmd.OutOrStdout(), "Payload is valid.")
		printFields(cmd.OutOrStdout(), resp.Record)
	},
}

var callsLimit int

var callsCmd = &cobra.Command{
	Use:   "calls",
	Short: "List recent calls",
	Run: func(cmd *cobra.Command, args []string) {
		client, _, err := mustClient()
		if err != nil {
			exitWithError(cmd, err)
			return
		}
		var resp struct {
			Calls []Call `json:"calls"`
		}
		if err := client.GetJSON(cmd.Context(), "/calls?limit="+strconv.Itoa(callsLimit), &resp); err != nil {
			exitWithError(cmd, err)
			return
		}
		if outputFormat == "json" {
			_ = printJSON(cmd.OutOrStdout(), resp.Calls)
			return
		}
		now := time.Now()
		tw := newTable(cmd.OutOrStdout())
		fmt.Fprintf(tw, "CALL\tFROM\tBUSINESS NUMBER\tSTATUS\tOUTCOME\tDURATION\tSTARTED\n")
		for _, call := range resp.Calls {
			business := call.ForwardedFrom
			if business == "" {
				business = call.To
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
				call.CallSID,
				orDash(call.From),
				orDash(business),
				orDash(call.Status),
				orDash(call.Outcome),
				humanDuration(time.Duration(call.DurationSeconds)*time.Second),
				relativeTime(call.StartedAt, now))
		}
		flushTable(tw)
	},
}

var deliveriesLimit int

var deliveriesCmd = &cobra.Command{
	Use:   "deliveries",
	Short: "List recent notification attempts",
	Run: func(cmd *cobra.Command, args []string) {
		client, _, err := mustClient()
		if err != nil {
			exitWithError(cmd, err)
			return
		}
		var resp struct {
			Deliveries []Delivery `json:"deliveries"`
		}
		if err := client.GetJSON(cmd.Context(), "/deliveries?limit="+strconv.Itoa(deliveriesLimit), &resp); err != nil {
			exitWithError(cmd, err)
			return
		}
		if outputFormat == "json" {
			_ = printJSON(cmd.OutOrStdout(), resp.Deliveries)
			return
		}
		now := time.Now()
		tw := newTable(cmd.OutOrStdout())
		fmt.Fprintf(tw, "CHANNEL\tTEMPLATE\tRECIPIENT\tOK\tERROR\tWHEN\n")
		for _, d := range resp.Deliveries {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%t\t%s\t%s\n",
				d.Channel, d.Template, orDash(d.Recipient), d.Success, orDash(d.Error), relativeTime(d.CreatedAt, now))
		}
		flushTable(tw)
	},
}

func printEnvelope(cmd *cobra.Command, env Envelope) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Event:     %s\n", env.EventID)
	fmt.Fprintf(out, "Type:      %s\n", env.EventType)
	fmt.Fprintf(out, "Timestamp: %s\n", env.Timestamp)
	if env.StreamID != nil {
		fmt.Fprintf(out, "Stream:    %s\n", *env.StreamID)
	}
	if env.CallID != nil {
		fmt.Fprintf(out, "Call:      %s\n", *env.CallID)
	}
	printFields(out, env.Data)
}

func readPayload(inline, file string) (map[string]interface{}, error) {
	raw := []byte(inline)
	if file != "" {
		data, err := os.ReadFile(filepath.Clean(file))
		if err != nil {
			return nil, err
		}
		raw = data
	}
	if len(raw) == 0 {
		return map[string]interface{}{}, nil
	}
	var payload map[string]interface{}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("payload must be a JSON object: %w", err)
	}
	return payload, nil
}

func init() {
	sessionCmd.AddCommand(sessionGetCmd)
	sessionCmd.AddCommand(sessionEventCmd)

	publishCmd.Flags().StringVar(&publishData, "data", "", "Event data as a JSON object")
	publishCmd.Flags().StringVarP(&publishFile, "file", "f", "", "Read event data from a JSON file")
	publishCmd.Flags().StringVar(&publishStreamID, "stream-id", "", "Stream id to correlate the event with")
	publishCmd.Flags().StringVar(&publishCallID, "call-id", "", "Call id to correlate the event with")

	validateCmd.Flags().StringVar(&validateData, "data", "", "Customer payload as a JSON object")
	validateCmd.Flags().StringVarP(&validateFile, "file", "f", "", "Read the customer payload from a JSON file")

	callsCmd.Flags().IntVar(&callsLimit, "limit", 20, "Maximum number of calls to list")
	deliveriesCmd.Flags().IntVar(&deliveriesLimit, "limit", 20, "Maximum number of deliveries to list")
}
