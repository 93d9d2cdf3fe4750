// Command muserver runs the websocket acquisition server: one endpoint
// speaking the run/listen/status/parameters/scheduler/h5handler/exit wire
// protocol, backed by the session coordinator, transfer/playback engines
// and broadcast hub.
package main

import (
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	json "github.com/segmentio/encoding/json"

	"github.com/distalsense/megamicro/internal/muconfig"
	"github.com/distalsense/megamicro/internal/muerr"
	"github.com/distalsense/megamicro/internal/muh5"
	"github.com/distalsense/megamicro/internal/muhub"
	"github.com/distalsense/megamicro/internal/muparams"
	"github.com/distalsense/megamicro/internal/muplayback"
	"github.com/distalsense/megamicro/internal/muproto"
	"github.com/distalsense/megamicro/internal/muqueue"
	"github.com/distalsense/megamicro/internal/muscheduler"
	"github.com/distalsense/megamicro/internal/musb"
	"github.com/distalsense/megamicro/internal/mushm"
	"github.com/distalsense/megamicro/internal/musession"
	"github.com/distalsense/megamicro/internal/mutransfer"
)

var log_ = log.New(os.Stderr, "muserver: ", log.LstdFlags)

const defaultCommandDevice = "/dev/megamicro0_ctrl"
const defaultBulkDevice = "/dev/megamicro0_bulk"
const shmTapName = "megamicro-live"

// server holds every long-lived collaborator the wire protocol dispatches
// against. One server serves exactly one acquisition session at a time,
// enforced by Coordinator's shared semaphore.
type server struct {
	cfg           *muconfig.Config
	commandDevice string
	bulkDevice    string
	sim           bool

	coord     *musession.Coordinator
	scheduler *muscheduler.Scheduler

	mu  sync.Mutex
	hub *muhub.Hub
}

func main() {
	host := flag.String("host", "0.0.0.0", "listen address")
	port := flag.Int("port", 8080, "listen port")
	configPath := flag.String("config", muconfig.DefaultPath, "path to the JSON configuration file")
	commandDevice := flag.String("command-device", defaultCommandDevice, "control device node")
	bulkDevice := flag.String("bulk-device", defaultBulkDevice, "bulk-in endpoint device or named pipe")
	sim := flag.Bool("sim", false, "run against a simulated counter stream instead of real hardware")
	flag.Parse()

	cfg, err := muconfig.Load(*configPath)
	if err != nil {
		log_.Fatalf("loading configuration failed: %v", err)
	}

	s := &server{
		cfg:           cfg,
		commandDevice: *commandDevice,
		bulkDevice:    *bulkDevice,
		sim:           *sim,
		coord:         musession.New(musession.NewSemaphore(1)),
	}
	s.scheduler = muscheduler.New(s.executeScheduledJob)
	s.scheduleConfiguredJobs()

	upgrader := websocket.Upgrader{
		CheckOrigin:     func(r *http.Request) bool { return true },
		ReadBufferSize:  1024,
		WriteBufferSize: 65536,
	}

	http.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log_.Printf("upgrade failed: %v", err)
			return
		}
		defer conn.Close()

		dispatcher := s.buildDispatcher(conn)
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if err := dispatcher.Dispatch(conn, msg); err != nil {
				log_.Printf("request failed: %v", err)
			}
		}
	})

	addr := fmt.Sprintf("%s:%d", *host, *port)
	log_.Printf("megamicro server listening on %s (h5_rootdir=%s, maxconnect=%d)", addr, cfg.H5RootDir, cfg.MaxConnect)
	log_.Fatal(http.ListenAndServe(addr, nil))
}

// buildDispatcher wires one connection's request kinds to this server's
// session state. Each connection gets its own dispatcher instance so
// Register closures can capture conn directly.
func (s *server) buildDispatcher(conn *websocket.Conn) *muproto.Dispatcher {
	d := muproto.NewDispatcher()
	d.Register(muproto.KindRun, s.handleRun)
	d.Register(muproto.KindListen, func(c muproto.Sender, raw json.RawMessage) error {
		return s.handleListen(conn, raw)
	})
	d.Register(muproto.KindStatus, s.handleStatus)
	d.Register(muproto.KindParameters, s.handleParameters)
	d.Register(muproto.KindScheduler, s.handleScheduler)
	d.Register(muproto.KindH5Handler, (&muproto.H5Handler{RootDir: s.cfg.H5RootDir}).Handle)
	d.Register(muproto.KindExit, s.handleExit)
	return d
}

// runParams is the wire shape of a "run" request's parameters.
type runParams struct {
	Mems              []int   `json:"mems"`
	Analogs           []int   `json:"analogs"`
	Counter           bool    `json:"counter"`
	CounterSkip       bool    `json:"counter_skip"`
	Status            bool    `json:"status"`
	ClockDiv          int     `json:"clockdiv"`
	BufferLength      int     `json:"buffer_length"`
	BuffersNumber     int     `json:"buffers_number"`
	Duration          float64 `json:"duration"`
	StartTrig         bool    `json:"start_trig"`
	QueueSize         int     `json:"queue_size"`
	StreamSkip        bool    `json:"stream_skip"`
	H5Recording       bool    `json:"h5_recording"`
	H5DatasetDuration float64 `json:"h5_dataset_duration"`
	H5FileDuration    float64 `json:"h5_file_duration"`
	H5Compression     string  `json:"h5_compression"`

	System         string  `json:"system"` // "" (live) or "MuH5" (playback)
	H5PlayFilename string  `json:"h5_play_filename"`
	H5StartTime    float64 `json:"h5_start_time"`
	Loop           bool    `json:"loop"`
}

func (s *server) handleRun(conn muproto.Sender, raw json.RawMessage) error {
	var p runParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return muproto.SendError(conn, "Bad request with missing parameters")
	}

	raw2 := muparams.Raw{
		ClockDiv: p.ClockDiv, Mems: p.Mems, Analogs: p.Analogs,
		Counter: p.Counter, CounterSkip: p.CounterSkip, Status: p.Status,
		BufferLength: p.BufferLength, BuffersNumber: p.BuffersNumber,
		Duration: p.Duration, StartTrig: p.StartTrig, QueueSize: p.QueueSize,
		StreamSkip: p.StreamSkip,
	}
	if p.H5Recording {
		raw2.H5 = muparams.H5Options{
			Enabled: true, RootDir: s.cfg.H5RootDir,
			DatasetDuration: p.H5DatasetDuration, FileDuration: p.H5FileDuration,
			Compression: p.H5Compression,
		}
	}
	if p.System == "MuH5" {
		raw2.Playback = &muparams.PlaybackOptions{Path: p.H5PlayFilename, StartTime: p.H5StartTime, Loop: p.Loop}
	}

	params, err := musession.Configure(raw2)
	if err != nil {
		return muproto.SendError(conn, fmt.Sprintf("Request failed: %v", err))
	}

	cancel := mutransfer.NewCancellationToken()
	hub := muhub.New(params)

	fanout := &musession.FanOut{Hub: hub, Cancel: cancel, SamplingFrequency: params.SamplingFrequency}
	fanout.Queue = muqueue.New(params.QueueSize)

	if params.H5.Enabled {
		rec, err := muh5.OpenFile(params.H5.RootDir, time.Now(), muh5.Options{
			Channels: params.ChannelsAfterSkip, SamplingFrequency: params.SamplingFrequency,
			DatasetDuration: params.H5.DatasetDuration, FileDuration: params.H5.FileDuration,
			Mems: params.Mems, Analogs: params.Analogs, Counter: params.Counter,
			CounterSkip: params.CounterSkip, Compression: params.H5.Compression,
			CompressionLevel: params.H5.CompressionLvl, Datatype: params.Datatype.String(),
		})
		if err != nil {
			return muproto.SendError(conn, fmt.Sprintf("Request failed: %v", err))
		}
		fanout.H5 = rec
	}

	if shm, err := mushm.Create(mushm.DefaultDir, shmTapName, 1<<20, params.ChannelsAfterSkip); err != nil {
		log_.Printf("shm tap unavailable, continuing without it: %v", err)
	} else {
		fanout.Shm = shm
	}

	var runner musession.Runner
	if params.Playback != nil {
		eng, err := muplayback.New(muplayback.Request{
			Path: params.Playback.Path, Mems: params.Mems, Analogs: params.Analogs,
			BufferLength: params.BufferLength, SamplingFrequency: params.SamplingFrequency,
			StartTime: params.Playback.StartTime, Loop: params.Playback.Loop,
		}, fanout.Sink())
		if err != nil {
			return muproto.SendError(conn, fmt.Sprintf("Request failed: %v", err))
		}
		eng.Cancel = cancel
		runner = eng
	} else {
		handle, err := musb.OpenDevice(0, 0, s.commandDevice)
		if err != nil {
			return muproto.SendError(conn, fmt.Sprintf("Request failed: %v", err))
		}
		backend, err := s.openBackend(params)
		if err != nil {
			return muproto.SendError(conn, fmt.Sprintf("Request failed: %v", err))
		}
		if err := configureDevice(handle, params); err != nil {
			return muproto.SendError(conn, fmt.Sprintf("Request failed: %v", err))
		}
		eng := mutransfer.NewEngine(handle, backend, params, fanout.Sink())
		eng.Cancel = cancel
		runner = eng
	}

	if err := s.coord.Run(params, cancel, runner); err != nil {
		return muproto.SendError(conn, fmt.Sprintf("Request failed: %v", err))
	}

	s.mu.Lock()
	s.hub = hub
	s.mu.Unlock()
	if c, ok := conn.(*websocket.Conn); ok {
		hub.SetRunner(c)
	}

	go func() {
		<-hub.RunnerFailed
		s.coord.Stop()
	}()
	go func() {
		_ = s.coord.Wait()
		hub.Close()
		if fanout.Shm != nil {
			fanout.Shm.Close()
			_ = mushm.Remove(mushm.DefaultDir, shmTapName)
		}
		if fanout.H5 != nil {
			fanout.H5.Close()
		}
	}()

	return muproto.SendResponse(conn, "OK")
}

func configureDevice(h *musb.Handle, params *muparams.Resolved) error {
	if err := h.ResetFull(); err != nil {
		return err
	}
	clockdiv := int(500000.0/params.SamplingFrequency) - 1
	if err := h.SetClockDivisor(clockdiv); err != nil {
		return err
	}
	if err := h.SetDatatype(params.Datatype); err != nil {
		return err
	}
	if err := h.SetSampleCount(params.MaxFrames() * params.BufferLength); err != nil {
		return err
	}
	if err := h.ActivateMems(params.Mems, params.TotalBeams); err != nil {
		return err
	}
	if err := h.ActivateAux(params.Counter, params.Status, params.Analogs); err != nil {
		return err
	}
	return h.Start(params.Trigger)
}

// defaultSimFrames bounds a simulated run with no configured duration;
// the QueueBackend reports NoDevice once exhausted, ending the session
// the way a detached device would.
const defaultSimFrames = 20000

// openBackend picks the bulk-in source. -sim swaps only the backend for
// a synthetic counter stream; the control path still goes through the
// configured command device, exercising the real FPGA handshake against
// a canned data stream instead of physical hardware.
func (s *server) openBackend(params *muparams.Resolved) (mutransfer.Backend, error) {
	if s.sim {
		numFrames := params.MaxFrames()
		if numFrames <= 0 {
			numFrames = defaultSimFrames
		}
		buffers := mutransfer.GenerateCounterStream(numFrames, params.ChannelsPerFrame, params.BufferLength, -1)
		return &mutransfer.QueueBackend{Buffers: buffers}, nil
	}
	return mutransfer.NewFileBackend(s.bulkDevice)
}

func (s *server) handleListen(conn *websocket.Conn, raw json.RawMessage) error {
	var sub muhub.Subscription
	if err := json.Unmarshal(raw, &sub); err != nil {
		return muproto.SendError(conn, "Bad request with missing parameters")
	}

	s.mu.Lock()
	hub := s.hub
	s.mu.Unlock()
	if hub == nil {
		return muproto.SendError(conn, "Request failed: no active session to listen to")
	}

	id, err := hub.AddListener(conn, sub)
	if err != nil {
		var unavailable *muerr.ChannelUnavailable
		if errors.As(err, &unavailable) {
			return muproto.SendError(conn, fmt.Sprintf("Request failed: %v", unavailable))
		}
		return muproto.SendError(conn, fmt.Sprintf("Request failed: %v", err))
	}
	return muproto.SendResponse(conn, id)
}

func (s *server) handleStatus(conn muproto.Sender, _ json.RawMessage) error {
	snap := s.coord.Snapshot()
	return muproto.SendResponse(conn, map[string]interface{}{
		"state": snap.State.String(),
		"alive": s.coord.IsAlive(),
	})
}

func (s *server) handleParameters(conn muproto.Sender, _ json.RawMessage) error {
	snap := s.coord.Snapshot()
	if snap.Params == nil {
		return muproto.SendError(conn, "Request failed: no active session")
	}
	return muproto.SendResponse(conn, snap.Params)
}

// schedParams is the wire shape of a "scheduler" request.
type schedParams struct {
	Command        string                 `json:"command"`
	SchedStartTime float64                `json:"sched_start_time"`
	SchedStopTime  float64                `json:"sched_stop_time"`
	SchedRepeat    float64                `json:"sched_repeat_time"`
	TaskID         string                 `json:"task_id"`
	RunParams      map[string]interface{} `json:"run_parameters"`
}

func (s *server) handleScheduler(conn muproto.Sender, raw json.RawMessage) error {
	var p schedParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return muproto.SendError(conn, "Bad request with missing parameters")
	}

	start := time.Unix(0, int64(p.SchedStartTime*1e9))
	stop := time.Unix(0, int64(p.SchedStopTime*1e9))

	switch p.Command {
	case "run":
		id, err := s.scheduler.Run(start, stop, p.RunParams)
		if err != nil {
			return muproto.SendError(conn, fmt.Sprintf("Request failed: %v", err))
		}
		return muproto.SendResponse(conn, id)
	case "prun":
		repeat := time.Duration(p.SchedRepeat * float64(time.Second))
		id, err := s.scheduler.PRun(start, stop, repeat, p.RunParams)
		if err != nil {
			return muproto.SendError(conn, fmt.Sprintf("Request failed: %v", err))
		}
		return muproto.SendResponse(conn, id)
	case "lsjob":
		return muproto.SendResponse(conn, s.scheduler.LsJob())
	case "rmjob":
		if err := s.scheduler.RmJob(p.TaskID); err != nil {
			return muproto.SendError(conn, fmt.Sprintf("Request failed: %v", err))
		}
		return muproto.SendResponse(conn, "OK")
	default:
		return muproto.SendError(conn, fmt.Sprintf("Request failed: unknown scheduler command `%s`", p.Command))
	}
}

func (s *server) handleExit(conn muproto.Sender, _ json.RawMessage) error {
	s.coord.Stop()
	return muproto.SendResponse(conn, "OK")
}

// executeScheduledJob runs one scheduled job's run_parameters synchronously
// against the session coordinator: a scheduled job is indistinguishable
// from an interactive "run" request once its start time arrives.
func (s *server) executeScheduledJob(job *muscheduler.Job) {
	raw, err := json.Marshal(job.Params)
	if err != nil {
		log_.Printf("scheduled job %s: bad parameters: %v", job.ID, err)
		return
	}
	if err := s.handleRun(discardSender{}, raw); err != nil {
		log_.Printf("scheduled job %s failed: %v", job.ID, err)
		return
	}
	<-time.After(time.Until(job.Stop))
	s.coord.Stop()
	_ = s.coord.Wait()
}

// discardSender satisfies muproto.Sender for scheduled jobs, which have
// no client connection to reply to.
type discardSender struct{}

func (discardSender) WriteMessage(int, []byte) error { return nil }

func (s *server) scheduleConfiguredJobs() {
	if len(s.cfg.Jobs) == 0 {
		return
	}
	log_.Printf("scheduling %d job(s) from %s", len(s.cfg.Jobs), s.cfg.Path)
	for _, j := range s.cfg.Jobs {
		if j.Request != "scheduler" {
			continue
		}
		merged := map[string]interface{}{"command": j.Command}
		for k, v := range j.Params {
			merged[k] = v
		}
		raw, err := json.Marshal(merged)
		if err != nil {
			log_.Printf("skipping malformed job: %v", err)
			continue
		}
		if err := s.handleScheduler(discardSender{}, raw); err != nil {
			log_.Printf("failed to schedule configured job: %v", err)
		}
	}
}
