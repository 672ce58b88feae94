package server

import (
	"html/template"
	"net/http"
	"net/url"
)

var loginTemplate = template.Must(template.New("login").Parse(`<!DOCTYPE html>
<html>
<head><title>Sign in</title></head>
<body>
  <h1>Sign in</h1>
  {{if .Error}}<p style="color:#b00">{{.Error}}</p>{{end}}
  <form method="post" action="/login">
    <input type="hidden" name="return_url" value="{{.ReturnURL}}">
    <label>Username <input name="username" autofocus></label><br>
    <label>Password <input name="password" type="password"></label><br>
    <button type="submit">Sign in</button>
  </form>
</body>
</html>`))

// formPostTemplate relays the hybrid authorization response to the client's
// redirect URI via an auto-submitting form, keeping the identity token out of
// the URL.
var formPostTemplate = template.Must(template.New("formPost").Parse(`<!DOCTYPE html>
<html>
<head><title>Submitting…</title></head>
<body onload="document.forms[0].submit()">
  <form method="post" action="{{.Action}}">
    {{range $name, $values := .Params}}{{range $values}}
    <input type="hidden" name="{{$name}}" value="{{.}}">
    {{end}}{{end}}
    <noscript><button type="submit">Continue</button></noscript>
  </form>
</body>
</html>`))

var signedOutTemplate = template.Must(template.New("signedOut").Parse(`<!DOCTYPE html>
<html>
<head><title>Signed out</title></head>
<body>
  <h1>You are signed out</h1>
  <p>Close the browser to clear any remaining application sessions.</p>
</body>
</html>`))

func renderLogin(w http.ResponseWriter, returnURL, errMsg string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_ = loginTemplate.Execute(w, struct {
		ReturnURL string
		Error     string
	}{ReturnURL: returnURL, Error: errMsg})
}

func renderFormPost(w http.ResponseWriter, action string, params url.Values) error {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	return formPostTemplate.Execute(w, struct {
		Action string
		Params url.Values
	}{Action: action, Params: params})
}

func renderSignedOut(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_ = signedOutTemplate.Execute(w, nil)
}
