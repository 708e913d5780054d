package report

import (
	"fmt"
	"html/template"
	"time"
)

var funcs = template.FuncMap{
	"date":    func(t time.Time) string { return t.Format("2006-01-02") },
	"percent": func(v float64) string { return fmt.Sprintf("%.0f%%", v) },
}

const htmlTemplate = `<html>
<body style="font-family: sans-serif">
<h2>siteops report {{ date .StartTime }} - {{ date .EndTime }}</h2>

<h3>Deployments</h3>
<p>{{ .Deployments.Total }} runs: {{ .Deployments.Succeeded }} succeeded, {{ .Deployments.Failed }} failed, {{ .Deployments.Cancelled }} cancelled.</p>
{{- if .Plans }}
<table border="1" cellpadding="4" cellspacing="0">
<tr><th>Plan</th><th>Runs</th><th>Success</th><th>Avg duration</th><th>Last</th></tr>
{{- range .Plans }}
<tr><td>{{ .Plan }}</td><td>{{ .Runs }}</td><td>{{ percent .SuccessRate }}</td><td>{{ .AvgDuration }}</td><td>{{ .LastStatus }}</td></tr>
{{- end }}
</table>
{{- end }}
{{- if .FailedPhases }}
<h3>Failing phases</h3>
<ul>
{{- range .FailedPhases }}
<li>{{ .Plan }} / {{ .Phase }}: {{ .Failures }}</li>
{{- end }}
</ul>
{{- end }}
{{- if .Trend }}
<h3>Runs per day</h3>
<table border="1" cellpadding="4" cellspacing="0">
<tr><th>Day</th><th>Runs</th><th>Succeeded</th></tr>
{{- range .Trend }}
<tr><td>{{ date .Day }}</td><td>{{ .Runs }}</td><td>{{ .Succeeded }}</td></tr>
{{- end }}
</table>
{{- end }}

<h3>Notifications</h3>
<p>{{ .Notifications.Total }} sent to {{ len .Notifications.Receivers }} receivers ({{ .Notifications.Failed }} failed): {{ .Notifications.Firing }} firing, {{ .Notifications.Resolved }} resolved.</p>
{{- if .Notifications.ByRule }}
<ul>
{{- range .Notifications.ByRule }}
<li>{{ .Rule }}: {{ .Count }}</li>
{{- end }}
</ul>
{{- end }}
</body>
</html>
`
