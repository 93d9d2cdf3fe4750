// Command mucli is the one-shot acquisition client: it dials a running
// muserver, issues a single wire-protocol request and either waits for
// the session to finish (run) or prints the response (status, parameters,
// scheduler) before exiting.
package main

import (
	"flag"
	"fmt"
	"log"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/olekukonko/tablewriter"
	json "github.com/segmentio/encoding/json"

	"github.com/distalsense/megamicro/internal/muproto"
	"github.com/distalsense/megamicro/internal/mushm"
)

func main() {
	host := flag.String("host", "localhost", "muserver host")
	port := flag.Int("port", 8080, "muserver port")

	mems := flag.String("mems", "0", "comma-separated MEMS indices")
	analogs := flag.String("analogs", "", "comma-separated analog indices")
	counter := flag.Bool("counter", true, "capture the counter channel")
	status := flag.Bool("status", false, "capture the status channel")
	clockdiv := flag.Int("clockdiv", 0, "clock divisor (0 selects the server default)")
	bufferLength := flag.Int("buffer-length", 0, "samples per transfer buffer (0 selects the server default)")
	duration := flag.Float64("duration", 0, "capture duration in seconds (0 is unbounded, Ctrl-C to stop)")
	queueSize := flag.Int("queue-size", 0, "C3 sample queue depth (0 is unbounded)")
	h5 := flag.Bool("h5", false, "record to an H5 file on the server")
	h5Compression := flag.String("h5-compression", "", "H5 compression filter (gzip, lz4, brotli, or empty for none)")

	schedStart := flag.Float64("sched-start", 0, "scheduler: start time as a Unix timestamp")
	schedStop := flag.Float64("sched-stop", 0, "scheduler: stop time as a Unix timestamp")
	schedRepeat := flag.Float64("sched-repeat", 0, "scheduler: repeat interval in seconds (prun only)")
	taskID := flag.String("task-id", "", "scheduler: job id for rmjob")

	monitorChannels := flag.Int("monitor-channels", 1, "monitor: channel count recorded by the running session")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage of %s:\n", os.Args[0])
		fmt.Fprintln(os.Stderr, "  mucli [options] run")
		fmt.Fprintln(os.Stderr, "  mucli [options] status")
		fmt.Fprintln(os.Stderr, "  mucli [options] parameters")
		fmt.Fprintln(os.Stderr, "  mucli [options] sched-run|sched-prun|sched-ls|sched-rm")
		fmt.Fprintln(os.Stderr, "  mucli [options] monitor")
		fmt.Fprintln(os.Stderr, "  mucli [options] exit")
		fmt.Fprintln(os.Stderr, "\nOptions:")
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}
	cmd := flag.Arg(0)

	if cmd == "monitor" {
		runMonitor(*monitorChannels)
		return
	}

	conn := dial(*host, *port)
	defer conn.Close()

	switch cmd {
	case "run":
		runAcquisition(conn, runOptions{
			mems: parseIntList(*mems), analogs: parseIntList(*analogs),
			counter: *counter, status: *status, clockdiv: *clockdiv,
			bufferLength: *bufferLength, duration: *duration, queueSize: *queueSize,
			h5: *h5, h5Compression: *h5Compression,
		})
	case "status":
		printResponse(sendAndWait(conn, "status", nil))
	case "parameters":
		printResponse(sendAndWait(conn, "parameters", nil))
	case "sched-run":
		sendScheduler(conn, "run", *schedStart, *schedStop, 0, "", buildRunParams(runOptions{
			mems: parseIntList(*mems), analogs: parseIntList(*analogs),
			counter: *counter, status: *status, clockdiv: *clockdiv,
			bufferLength: *bufferLength, duration: *duration, queueSize: *queueSize,
			h5: *h5, h5Compression: *h5Compression,
		}))
	case "sched-prun":
		sendScheduler(conn, "prun", *schedStart, *schedStop, *schedRepeat, "", buildRunParams(runOptions{
			mems: parseIntList(*mems), analogs: parseIntList(*analogs),
			counter: *counter, status: *status, clockdiv: *clockdiv,
			bufferLength: *bufferLength, duration: *duration, queueSize: *queueSize,
			h5: *h5, h5Compression: *h5Compression,
		}))
	case "sched-ls":
		printJobTable(sendAndWait(conn, "scheduler", map[string]interface{}{"command": "lsjob"}))
	case "sched-rm":
		sendScheduler(conn, "rmjob", 0, 0, 0, *taskID, nil)
	case "exit":
		printResponse(sendAndWait(conn, "exit", nil))
	default:
		flag.Usage()
		os.Exit(2)
	}
}

func dial(host string, port int) *websocket.Conn {
	u := url.URL{Scheme: "ws", Host: fmt.Sprintf("%s:%d", host, port), Path: "/ws"}
	conn, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		log.Fatalf("dial %s failed: %v", u.String(), err)
	}
	return conn
}

func parseIntList(s string) []int {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	var out []int
	for _, p := range strings.Split(s, ",") {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		n, err := strconv.Atoi(p)
		if err != nil {
			log.Fatalf("invalid channel index %q: %v", p, err)
		}
		out = append(out, n)
	}
	return out
}

type runOptions struct {
	mems, analogs              []int
	counter, status            bool
	clockdiv, bufferLength     int
	duration                   float64
	queueSize                  int
	h5                         bool
	h5Compression              string
}

func buildRunParams(o runOptions) map[string]interface{} {
	p := map[string]interface{}{
		"mems": o.mems, "analogs": o.analogs,
		"counter": o.counter, "status": o.status,
		"duration": o.duration, "h5_recording": o.h5,
	}
	if o.clockdiv > 0 {
		p["clockdiv"] = o.clockdiv
	}
	if o.bufferLength > 0 {
		p["buffer_length"] = o.bufferLength
	}
	if o.queueSize > 0 {
		p["queue_size"] = o.queueSize
	}
	if o.h5Compression != "" {
		p["h5_compression"] = o.h5Compression
	}
	return p
}

// runAcquisition issues a "run" request, then stays connected reading the
// runner's own broadcast frames (the dialing connection doubles as the
// hub's runner socket) until the server closes it or the requested
// duration elapses.
func runAcquisition(conn *websocket.Conn, o runOptions) {
	env := map[string]interface{}{"request": "run", "parameters": buildRunParams(o)}
	raw, err := json.Marshal(env)
	if err != nil {
		log.Fatalf("marshal run request: %v", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, raw); err != nil {
		log.Fatalf("write run request: %v", err)
	}

	var resp muproto.Response
	if _, msg, err := conn.ReadMessage(); err != nil {
		log.Fatalf("read run response: %v", err)
	} else if err := json.Unmarshal(msg, &resp); err != nil {
		log.Fatalf("decode run response: %v", err)
	}
	if resp.Type == "error" {
		log.Fatalf("run rejected: %s", resp.Message)
	}
	fmt.Println("run accepted, streaming frames (Ctrl-C to stop early)")

	frames := 0
	start := time.Now()
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			break
		}
		frames++
		if frames%50 == 0 {
			fmt.Printf("%d frames received (%.1fs elapsed)\n", frames, time.Since(start).Seconds())
		}
		_ = msg
	}
	fmt.Printf("session ended after %d frames, %.1fs\n", frames, time.Since(start).Seconds())
}

func sendAndWait(conn *websocket.Conn, request string, params map[string]interface{}) muproto.Response {
	env := map[string]interface{}{"request": request}
	if params != nil {
		env["parameters"] = params
	}
	raw, err := json.Marshal(env)
	if err != nil {
		log.Fatalf("marshal %s request: %v", request, err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, raw); err != nil {
		log.Fatalf("write %s request: %v", request, err)
	}
	_, msg, err := conn.ReadMessage()
	if err != nil {
		log.Fatalf("read %s response: %v", request, err)
	}
	var resp muproto.Response
	if err := json.Unmarshal(msg, &resp); err != nil {
		log.Fatalf("decode %s response: %v", request, err)
	}
	return resp
}

func sendScheduler(conn *websocket.Conn, command string, start, stop, repeat float64, taskID string, runParams map[string]interface{}) {
	params := map[string]interface{}{"command": command}
	if start != 0 {
		params["sched_start_time"] = start
	}
	if stop != 0 {
		params["sched_stop_time"] = stop
	}
	if repeat != 0 {
		params["sched_repeat_time"] = repeat
	}
	if taskID != "" {
		params["task_id"] = taskID
	}
	if runParams != nil {
		params["run_parameters"] = runParams
	}
	printResponse(sendAndWait(conn, "scheduler", params))
}

func printResponse(resp muproto.Response) {
	if resp.Type == "error" {
		fmt.Fprintf(os.Stderr, "error: %s\n", resp.Message)
		os.Exit(1)
	}
	b, err := json.MarshalIndent(resp.Response, "", "  ")
	if err != nil {
		fmt.Println(resp.Response)
		return
	}
	fmt.Println(string(b))
}

// printJobTable renders a lsjob response with tablewriter, matching the
// status-table convention the rest of the corpus uses for CLI output.
func printJobTable(resp muproto.Response) {
	if resp.Type == "error" {
		fmt.Fprintf(os.Stderr, "error: %s\n", resp.Message)
		os.Exit(1)
	}
	jobs, ok := resp.Response.([]interface{})
	if !ok {
		printResponse(resp)
		return
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"ID", "Command", "Status", "Start", "Stop", "Message"})
	for _, raw := range jobs {
		j, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		table.Append([]string{
			fmt.Sprint(j["ID"]), fmt.Sprint(j["Command"]), fmt.Sprint(j["Status"]),
			fmt.Sprint(j["Start"]), fmt.Sprint(j["Stop"]), fmt.Sprint(j["Message"]),
		})
	}
	table.Render()
}

// runMonitor attaches to the running session's local shm tap and prints a
// running frame/throughput count, a lower-overhead alternative to dialing
// the websocket hub for a same-host diagnostic tool.
func runMonitor(channels int) {
	r, err := mushm.Open(mushm.DefaultDir, "megamicro-live")
	if err != nil {
		log.Fatalf("attach to shm tap failed: %v", err)
	}
	defer r.Close()

	fmt.Printf("attached to shm tap (%d channels recorded at creation)\n", r.Channels())
	frames := 0
	start := time.Now()
	for {
		payload, ok := r.ReadFrame()
		if !ok {
			time.Sleep(10 * time.Millisecond)
			continue
		}
		frames++
		if frames%100 == 0 {
			elapsed := time.Since(start).Seconds()
			fmt.Printf("%d frames, %d bytes latest, %.1f frames/s\n", frames, len(payload), float64(frames)/elapsed)
		}
	}
}
