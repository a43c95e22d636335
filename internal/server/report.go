package server

import (
	"fmt"
	"html/template"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/jroosing/acnetd/internal/acnet"
	"github.com/jroosing/acnetd/internal/nodetable"
	"github.com/jroosing/acnetd/internal/rad50"
)

// ReportData is the snapshot rendered into the HTML diagnostic report and
// served by the management API. Build it on the event loop (see
// Daemon.Call) so it never races the core.
type ReportData struct {
	Node        string
	Instance    string
	GeneratedAt time.Time
	Uptime      time.Duration

	Stats     []ReportStat
	Tasks     []ReportTask
	Requests  []ReportRequest
	Replies   []ReportReply
	IPEntries []ReportIPEntry

	MaxReqIDs    int
	MaxRpyIDs    int
	LastDownload string
}

// ReportStat is one labelled counter of the global statistics section.
type ReportStat struct {
	Label string
	Value uint32
}

// ReportTask describes one attached task.
type ReportTask struct {
	ID        acnet.TaskID
	Handle    string
	Variant   string
	Pid       int32
	Receiving bool
	Props     []Property
}

// ReportRequest describes one in-flight request id.
type ReportRequest struct {
	ID         string
	RemNode    string
	TaskName   string
	Owner      string
	Mult       bool
	StartedAgo time.Duration
	UpdatedAgo time.Duration
	Packets    uint32
}

// ReportReply describes one open reply id.
type ReportReply struct {
	ID         string
	ReqID      string
	RemNode    string
	RemTaskID  uint16
	Owner      string
	Mult       bool
	StartedAgo time.Duration
	UpdatedAgo time.Duration
	Packets    uint32
}

// ReportIPEntry is one row of the IP table section.
type ReportIPEntry struct {
	Trunk uint8
	Node  uint8
	Addr  string
	Name  string
}

// BuildReport snapshots one pool's state. Must run on the event loop.
func (d *Daemon) BuildReport(tp *TaskPool) ReportData {
	now := d.now()

	data := ReportData{
		Node:        tp.NodeName().String(),
		Instance:    d.instanceID,
		GeneratedAt: now,
		Uptime:      now.Sub(d.bootTime),
		MaxReqIDs:   tp.reqPool.MaxActive(),
		MaxRpyIDs:   tp.rpyPool.MaxActive(),
		Stats: []ReportStat{
			{"Received USMs", tp.stats.UsmRcv.Val32()},
			{"Received Requests", tp.stats.ReqRcv.Val32()},
			{"Received Replies", tp.stats.RpyRcv.Val32()},
			{"Transmitted USMs", tp.stats.UsmXmt.Val32()},
			{"Transmitted Requests", tp.stats.ReqXmt.Val32()},
			{"Transmitted Replies", tp.stats.RpyXmt.Val32()},
		},
	}
	if t := d.table.LastDownload(); !t.IsZero() {
		data.LastDownload = t.Format(time.RFC1123)
	}

	for _, t := range tp.tasks {
		if t == nil {
			continue
		}
		data.Tasks = append(data.Tasks, ReportTask{
			ID:        t.ID(),
			Handle:    t.Handle().String(),
			Variant:   t.VariantName(),
			Pid:       t.Pid(),
			Receiving: IsReceiving(t),
			Props:     t.Properties(),
		})
	}

	tp.reqPool.Each(func(req *ReqInfo) {
		remName, _ := d.table.NodeName(req.remNode)
		data.Requests = append(data.Requests, ReportRequest{
			ID:         fmt.Sprintf("0x%04x", uint16(req.id)),
			RemNode:    fmt.Sprintf("%s (%s)", remName, req.remNode),
			TaskName:   req.taskName.String(),
			Owner:      req.owner.Handle().String(),
			Mult:       req.WantsMultReplies(),
			StartedAgo: now.Sub(req.initTime),
			UpdatedAgo: now.Sub(req.lastUpdate),
			Packets:    req.totalPackets.Val32(),
		})
	})

	tp.rpyPool.Each(func(rpy *RpyInfo) {
		remName, _ := d.table.NodeName(rpy.remNode)
		data.Replies = append(data.Replies, ReportReply{
			ID:         fmt.Sprintf("0x%04x", uint16(rpy.id)),
			ReqID:      fmt.Sprintf("0x%04x", uint16(rpy.reqID)),
			RemNode:    fmt.Sprintf("%s (%s)", remName, rpy.remNode),
			RemTaskID:  rpy.clntTask,
			Owner:      rpy.owner.Handle().String(),
			Mult:       rpy.IsMultReplier(),
			StartedAgo: now.Sub(rpy.initTime),
			UpdatedAgo: now.Sub(rpy.lastUpdate),
			Packets:    rpy.totalPackets.Val32(),
		})
	})

	d.table.Each(func(tn acnet.TrunkNode, e *nodetable.Entry) {
		data.IPEntries = append(data.IPEntries, ReportIPEntry{
			Trunk: tn.Trunk(),
			Node:  tn.Node(),
			Addr:  e.Addr.String(),
			Name:  e.Name.String(),
		})
	})

	return data
}

// RenderReport writes the HTML report for a snapshot.
func RenderReport(w io.Writer, data ReportData) error {
	return reportTmpl.Execute(w, data)
}

// WriteReportFile renders the report for a pool into the configured report
// directory, named after the node the way operators expect to find it.
func (d *Daemon) WriteReportFile(tp *TaskPool) error {
	data := d.BuildReport(tp)
	name := fmt.Sprintf("acnet_%s.html", rad50.DecodeTrim(uint32(tp.NodeName())))
	path := filepath.Join(d.cfg.Report.Directory, name)

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating report file: %w", err)
	}
	defer f.Close()

	if err := RenderReport(f, data); err != nil {
		return fmt.Errorf("rendering report: %w", err)
	}
	d.log.Info("report written", "path", path)
	return nil
}

var reportTmpl = template.Must(template.New("report").
	Funcs(template.FuncMap{"even": func(i int) bool { return i%2 == 0 }}).
	Parse(`<!DOCTYPE html>
<html>
<head>
<title>Acnet Report</title>
<style type="text/css">
body { font: 10pt Verdana,Arial,Helvetica,sans-serif; }
h1 { font-size: 12pt; }
div.section { padding: 10pt; }
.label:after { content: ":"; }
.label { text-align: right; padding-right: 1em; }
thead { text-align: left; background: gray; color: white; }
table.dump { width: 45em; margin-top: 12pt; }
tr.even { background: #e0ffe0; }
</style>
</head>
<body>
<div class="section">
<h1>Report for ACNET Node {{.Node}}</h1>
<p>Instance {{.Instance}}, generated {{.GeneratedAt.Format "Mon, 02 Jan 2006 15:04:05 MST"}}, up {{.Uptime}}.</p>
</div>

<div class="section">
<h1>Global Statistics</h1>
<table class="dump"><tbody>
{{range $i, $s := .Stats}}<tr{{if even $i}} class="even"{{end}}><td class="label">{{$s.Label}}</td><td>{{$s.Value}}</td></tr>
{{end}}</tbody></table>
</div>

<div class="section">
<h1>Connected Tasks Report</h1>
{{range .Tasks}}
<table class="dump">
<thead><tr><td colspan="2">Task {{.ID}} '{{.Handle}}' ({{.Variant}})</td></tr></thead>
<tbody>
<tr><td class="label">Pid</td><td>{{.Pid}}</td></tr>
<tr class="even"><td class="label">Receiving</td><td>{{.Receiving}}</td></tr>
{{range .Props}}<tr><td class="label">{{.Name}}</td><td>{{.Value}}</td></tr>
{{end}}</tbody>
</table>
{{end}}
</div>

<div class="section">
<h1>Request ID Report</h1>
<br>Max active request IDs: {{.MaxReqIDs}}<br>
{{range .Requests}}
<table class="dump">
<thead><tr><td colspan="2">Request {{.ID}}{{if .Mult}} (MLT){{end}}</td></tr></thead>
<tbody>
<tr><td class="label">Owned by task</td><td>'{{.Owner}}'</td></tr>
<tr class="even"><td class="label">Target</td><td>Task '{{.TaskName}}' on node {{.RemNode}}</td></tr>
<tr><td class="label">Started</td><td>{{.StartedAgo}} ago.</td></tr>
<tr class="even"><td class="label">Last activity</td><td>{{.UpdatedAgo}} ago.</td></tr>
<tr><td class="label">Received</td><td>{{.Packets}} replies.</td></tr>
</tbody>
</table>
{{end}}
</div>

<div class="section">
<h1>Reply ID Report</h1>
<br>Max active reply IDs: {{.MaxRpyIDs}}<br>
{{range .Replies}}
<table class="dump">
<thead><tr><td colspan="2">Reply {{.ID}}{{if .Mult}} (MLT){{end}}</td></tr></thead>
<tbody>
<tr><td class="label">Owned by task</td><td>'{{.Owner}}'</td></tr>
<tr class="even"><td class="label">Request Origin</td><td>Task {{.RemTaskID}} on node {{.RemNode}}, request ID {{.ReqID}}</td></tr>
<tr><td class="label">Started</td><td>{{.StartedAgo}} ago.</td></tr>
<tr class="even"><td class="label">Last reply sent</td><td>{{.UpdatedAgo}} ago.</td></tr>
<tr><td class="label">Sent</td><td>{{.Packets}} replies.</td></tr>
</tbody>
</table>
{{end}}
</div>

<div class="section">
<h1>IP Table Report</h1>
{{if .LastDownload}}<p>Last node table download: {{.LastDownload}}</p>{{else}}<p>Waiting for node table download</p>{{end}}
<table width="80%">
<thead><tr><td>TRUNK</td><td>NODE</td><td>IP Address</td><td>NAME</td></tr></thead>
<tbody>
{{range $i, $e := .IPEntries}}<tr{{if even $i}} class="even"{{end}}><td>{{$e.Trunk}}</td><td>{{$e.Node}}</td><td>{{$e.Addr}}</td><td>{{$e.Name}}</td></tr>
{{end}}</tbody>
</table>
</div>
</body>
</html>
`))
