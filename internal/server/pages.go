package server

import (
	"html/template"
	"net/http"

	"github.com/snapetech/stalkerbridge/internal/settings"
)

var landingPage = template.Must(template.New("landing").Parse(`<!doctype html><meta charset="utf-8"><title>Stalker IPTV Add-on</title>
<h1>Stalker IPTV Add-on</h1>
<p><a href="{{.Base}}/configure">Configure</a></p>
<p>Manifest URL: <code>{{.Base}}/manifest.json</code></p>
`))

var configurePage = template.Must(template.New("configure").Parse(`<!doctype html><meta charset="utf-8"><title>Configure Stalker Portal</title>
<style>
  body{font-family:sans-serif;max-width:820px;margin:40px auto;padding:0 16px}
  label{display:block;margin-top:10px}
  input{width:100%;padding:8px}
  button{margin-top:12px;padding:8px 14px}
  .row{display:grid;grid-template-columns:1fr 1fr;gap:12px}
</style>
<h2>Stalker IPTV Configuration</h2>
<label>Portal URL</label>
<input id="portal" value="{{.S.PortalURL}}" placeholder="http://host/stalker_portal/server/load.php" />
<div class="row">
  <div><label>MAC Address</label><input id="mac" value="{{.S.MAC}}" placeholder="00:1A:79:12:34:56" /></div>
  <div><label>Prehash (optional)</label><input id="prehash" value="{{.S.Prehash}}" placeholder="only if the portal requires it" /></div>
</div>
<div class="row">
  <div><label>stb_lang</label><input id="stb_lang" value="{{.S.Locale}}" placeholder="en_IN" /></div>
  <div><label>timezone</label><input id="timezone" value="{{.S.Timezone}}" placeholder="Asia/Kolkata" /></div>
</div>
<div class="row">
  <div><label>User-Agent</label><input id="ua" value="{{.S.UserAgent}}" /></div>
  <div><label>Accept-Language</label><input id="al" value="{{.S.AcceptLanguage}}" /></div>
</div>
<div>
  <button onclick="save()">Save</button>
  <button onclick="test()">Test</button>
</div>
<pre id="out"></pre>
<p>Manifest URL: <code>{{.Base}}/manifest.json</code></p>
<script>
  const out = document.getElementById('out')
  const val = id => document.getElementById(id).value
  function show(m){ out.textContent = m }
  async function post(path, body){
    const r = await fetch(path,{method:'POST',headers:{'Content-Type':'application/json'},body:JSON.stringify(body)})
    return [r.ok, await r.json()]
  }
  async function save(){
    const [ok, j] = await post('/api/config', {
      portal_url: val('portal'), mac: val('mac'), prehash: val('prehash'),
      stb_lang: val('stb_lang'), timezone: val('timezone'),
      user_agent: val('ua'), accept_language: val('al')
    })
    show(ok ? 'Saved\n'+JSON.stringify(j,null,2) : 'Error: '+(j.error||''))
  }
  async function test(){
    show('Testing...')
    const [ok, j] = await post('/api/test', {portal_url: val('portal'), mac: val('mac')})
    show(ok ? JSON.stringify(j,null,2) : 'Error: '+(j.error||''))
  }
</script>
`))

type pageData struct {
	Base string
	S    settings.Settings
}

func baseURL(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	return scheme + "://" + r.Host
}

func (s *Server) handleLanding(w http.ResponseWriter, r *http.Request) {
	s.render(w, landingPage, pageData{Base: baseURL(r)})
}

func (s *Server) handleConfigure(w http.ResponseWriter, r *http.Request) {
	s.render(w, configurePage, pageData{Base: baseURL(r), S: s.addon.Settings()})
}

func (s *Server) render(w http.ResponseWriter, t *template.Template, data pageData) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := t.Execute(w, data); err != nil {
		s.log.WithError(err).WithField("page", t.Name()).Warn("render")
	}
}
