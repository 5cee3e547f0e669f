package bpf

import (
	"fmt"
	"log"

	bpf "github.com/aquasecurity/libbpfgo"

	"SockTracer/internal/config"
	"SockTracer/internal/tracer"
)

// Names must match those used in the BPF C object.
const (
	bpfObjectFile = "sock_tracer.bpf.o"

	connOpenPerfBufName   = "conn_open_events"
	connClosePerfBufName  = "conn_close_events"
	socketDataPerfBufName = "socket_data_events"
)

// probeAttachments maps BPF program names to the kernel symbols they hook.
var probeAttachments = []struct {
	program string
	symbol  string
	ret     bool
}{
	{"kprobe__sys_connect", "__x64_sys_connect", false},
	{"kretprobe__sys_connect", "__x64_sys_connect", true},
	{"kprobe__sys_accept4", "__x64_sys_accept4", false},
	{"kretprobe__sys_accept4", "__x64_sys_accept4", true},
	{"kprobe__sys_write", "__x64_sys_write", false},
	{"kprobe__sys_sendto", "__x64_sys_sendto", false},
	{"kprobe__sys_read", "__x64_sys_read", false},
	{"kprobe__sys_recvfrom", "__x64_sys_recvfrom", false},
	{"kprobe__sys_close", "__x64_sys_close", false},
}

const (
	defaultPerfBufPages = 64
	defaultChannelSize  = 8192
	defaultLostSize     = 64
)

// Runner loads the socket tracing BPF object into the kernel, attaches its
// probes, and exposes the three perf buffers (open, close, data) as
// channels of raw event bytes.
type Runner struct {
	cfg config.ProbeConfig

	module *bpf.Module
	bufs   []*bpf.PerfBuffer

	openChan  chan []byte
	closeChan chan []byte
	dataChan  chan []byte
	lostChan  chan uint64

	deser *deserialiser
}

// NewRunner creates an unstarted runner.
func NewRunner(cfg config.ProbeConfig) *Runner {
	if cfg.PerfBufferPages <= 0 {
		cfg.PerfBufferPages = defaultPerfBufPages
	}
	if cfg.EventChannelSize <= 0 {
		cfg.EventChannelSize = defaultChannelSize
	}
	if cfg.LostChannelSize <= 0 {
		cfg.LostChannelSize = defaultLostSize
	}
	return &Runner{
		cfg:   cfg,
		deser: newDeserialiser(),
	}
}

// Run loads the BPF object, attaches every probe, and starts the perf
// buffers.
func (r *Runner) Run() error {
	module, err := bpf.NewModuleFromFile(bpfObjectFile)
	if err != nil {
		return fmt.Errorf("creating BPF module: %w", err)
	}
	r.module = module

	if err := module.BPFLoadObject(); err != nil {
		return fmt.Errorf("loading BPF object into kernel: %w", err)
	}

	for _, att := range probeAttachments {
		prog, err := module.GetProgram(att.program)
		if err != nil {
			return fmt.Errorf("loading BPF program %q: %w", att.program, err)
		}
		if att.ret {
			_, err = prog.AttachKretprobe(att.symbol)
		} else {
			_, err = prog.AttachKprobe(att.symbol)
		}
		if err != nil {
			return fmt.Errorf("attaching %q to %q: %w", att.program, att.symbol, err)
		}
	}

	r.openChan = make(chan []byte, r.cfg.EventChannelSize)
	r.closeChan = make(chan []byte, r.cfg.EventChannelSize)
	r.dataChan = make(chan []byte, r.cfg.EventChannelSize)
	r.lostChan = make(chan uint64, r.cfg.LostChannelSize)

	for name, ch := range map[string]chan []byte{
		connOpenPerfBufName:   r.openChan,
		connClosePerfBufName:  r.closeChan,
		socketDataPerfBufName: r.dataChan,
	} {
		buf, err := module.InitPerfBuf(name, ch, r.lostChan, r.cfg.PerfBufferPages)
		if err != nil {
			return fmt.Errorf("initialising perf buffer %q: %w", name, err)
		}
		buf.Start()
		r.bufs = append(r.bufs, buf)
	}

	return nil
}

// Poll implements tracer.EventSource: it drains whatever the perf buffers
// have delivered so far, deserialises each record, and hands it to the
// sink. Undecodable records are logged and skipped.
func (r *Runner) Poll(sink tracer.EventAcceptor) {
	for {
		select {
		case raw := <-r.openChan:
			info, err := r.deser.toConnInfo(raw)
			if err != nil {
				log.Printf("Dropping conn open event: %v", err)
				continue
			}
			sink.AcceptOpenConnEvent(*info)
		case raw := <-r.closeChan:
			info, err := r.deser.toConnInfo(raw)
			if err != nil {
				log.Printf("Dropping conn close event: %v", err)
				continue
			}
			sink.AcceptCloseConnEvent(*info)
		case raw := <-r.dataChan:
			ev, err := r.deser.toDataEvent(raw)
			if err != nil {
				log.Printf("Dropping data event: %v", err)
				continue
			}
			sink.AcceptDataEvent(ev)
		case n := <-r.lostChan:
			log.Printf("Perf buffer dropped %d events", n)
		default:
			return
		}
	}
}

// Close stops the perf buffers and unloads the BPF module.
func (r *Runner) Close() {
	for _, buf := range r.bufs {
		buf.Stop()
	}
	if r.module != nil {
		log.Printf("Closing BPF module")
		r.module.Close()
	}
}
