package portal

import (
	"html/template"
	"strings"

	"github.com/danmuck/edgenode/internal/store"
)

const pageHTML = `<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>{{.Title}}</title>
<style>
body { font-family: sans-serif; margin: 2em; }
label { display: block; margin-top: 1em; }
.problem { color: #b00020; }
</style>
</head>
<body>
<h1>{{.Title}}</h1>
{{if .Problem}}<p class="problem">{{.Problem}}</p>{{end}}
<form method="post" action="/">
{{range .Fields}}<label>{{.Label}}
<input type="{{.Type}}" name="{{.Key}}" value="{{.Value}}" maxlength="{{.MaxLen}}">
</label>
{{end}}<p><input type="submit" name="Update" value="Update"></p>
</form>
</body>
</html>
`

var pageTemplate = template.Must(template.New("portal").Parse(pageHTML))

type pageField struct {
	Key    string
	Label  string
	Type   string
	Value  string
	MaxLen int
}

type pageData struct {
	Title   string
	Problem string
	Fields  []pageField
}

var fieldLabels = map[store.Field]string{
	store.FieldSSID:    "Network SSID",
	store.FieldPass:    "Network password",
	store.FieldDevID:   "Device ID",
	store.FieldNodeID:  "Node ID",
	store.FieldIoTPort: "IoT port",
}

// Render builds the settings form for rec. The signature matches
// wifi.PageRenderer.
func Render(rec store.Record, apName string, problem error) (string, error) {
	data := pageData{Title: "Node configuration"}
	if apName != "" {
		data.Title = apName + " configuration"
	}
	if problem != nil {
		data.Problem = problem.Error()
	}
	for _, f := range store.Fields() {
		typ := "text"
		if f == store.FieldPass {
			typ = "password"
		}
		data.Fields = append(data.Fields, pageField{
			Key:    string(f),
			Label:  fieldLabels[f],
			Type:   typ,
			Value:  rec.Get(f),
			MaxLen: store.MaxLen(f),
		})
	}

	var b strings.Builder
	if err := pageTemplate.Execute(&b, data); err != nil {
		return "", err
	}
	return b.String(), nil
}
