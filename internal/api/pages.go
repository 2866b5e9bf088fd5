package api

import (
	"bytes"
	"fmt"
	"html/template"
	"net/http"

	"go.uber.org/zap"
)

type PageConfig struct {
	ClientURL string
	PublicKey string
}

// Pages renders the shopper-facing verification pages.
type Pages struct {
	cfg    PageConfig
	pages  map[string]*template.Template
	logger *zap.Logger
}

type pageData struct {
	Title            string
	ClientURL        string
	PublicKey        string
	OrderNumber      string
	ConfirmationCode string
	Error            string
}

const layout = `{{define "layout"}}<!doctype html>
<html lang="en-GB">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<meta name="robots" content="noindex">
<title>{{.Title}}</title>
</head>
<body>
<main class="age-verification">
{{template "content" .}}
</main>
</body>
</html>{{end}}`

var pageTemplates = map[string]string{
	"verify": `{{define "content"}}<h1>Verify your age</h1>
<p>UK law requires us to confirm you are 18 or over before we can dispatch order {{.OrderNumber}}.</p>
<button id="ageverif-start" type="button">Start verification</button>
<p id="ageverif-status" role="status"></p>
<script>
window.ageverifConfig = {publicKey: {{.PublicKey}}, orderNumber: {{.OrderNumber}}, confirmationCode: {{.ConfirmationCode}}};
</script>
<script>
(function () {
  var cfg = window.ageverifConfig;
  var button = document.getElementById("ageverif-start");
  var status = document.getElementById("ageverif-status");
  var pending = null;
  var loading = false;

  function normalize(p) {
    p = p || {};
    if (p.verification && typeof p.verification === "object") {
      var out = Object.assign({}, p, p.verification, {verified: true});
      out.token = p.verification.token || p.token;
      return out;
    }
    if (p.token) {
      return Object.assign({verified: true, token: p.token}, p);
    }
    return p;
  }

  function emit(kind, payload) {
    try {
      var detail = normalize(payload);
      window.dispatchEvent(new CustomEvent("ageverif:" + kind, {detail: detail}));
      if (kind === "success" && pending) {
        var resolve = pending;
        pending = null;
        resolve(detail);
      }
    } catch (e) {
      console.error("ageverif " + kind, e);
    }
  }

  ["Success", "Loaded", "Ready", "Error"].forEach(function (name) {
    window["ageverif" + name] = function (payload) { emit(name.toLowerCase(), payload); };
  });

  window.addEventListener("message", function (e) {
    var d = e.data;
    if (d && typeof d === "object" && d.type === "verified") {
      emit("success", {token: d.token});
    }
  });

  function go(path, err) {
    var q = "?order=" + encodeURIComponent(cfg.orderNumber || "");
    if (err) {
      q += "&error=" + encodeURIComponent(err);
    }
    window.location.assign(path + q);
  }

  function done() {
    loading = false;
    button.disabled = false;
  }

  function post(result) {
    if (!result || !result.verified || !result.token) {
      go("/age-verification/retry");
      return null;
    }
    status.textContent = "Checking your verification...";
    return fetch("/api/age-verif/verify", {
      method: "POST",
      headers: {"Content-Type": "application/json"},
      body: JSON.stringify({token: result.token, orderNumber: cfg.orderNumber, confirmationCode: cfg.confirmationCode})
    }).then(function (res) {
      return res.json().catch(function () { return {}; }).then(function (body) {
        if (!res.ok) {
          go("/age-verification/retry", body.error || ("verification failed (" + res.status + ")"));
          return;
        }
        if (body.ok) {
          go("/age-verification/success");
          return;
        }
        status.textContent = "Verification could not be completed.";
      });
    });
  }

  button.addEventListener("click", function () {
    if (loading) {
      return;
    }
    loading = true;
    button.disabled = true;
    status.textContent = "Starting verification...";

    var waiting = new Promise(function (resolve) { pending = resolve; });
    var started;
    try {
      var widget = window.AgeVerif;
      started = widget && typeof widget.start === "function" ? widget.start({publicKey: cfg.publicKey}) : null;
    } catch (e) {
      started = Promise.reject(e);
    }

    Promise.resolve(started)
      .then(function (direct) { return direct || waiting; })
      .then(post)
      .catch(function (e) { go("/age-verification/retry", String((e && e.message) || e)); })
      .then(done, done);
  });
})();
</script>
<script src="{{.ClientURL}}" async></script>
{{end}}`,
	"success": `{{define "content"}}<h1>Thank you</h1>
<p>Your age has been verified{{if .OrderNumber}} for order {{.OrderNumber}}{{end}}. We'll dispatch your order shortly.</p>
{{end}}`,
	"retry": `{{define "content"}}<h1>We couldn't verify your age</h1>
{{if .Error}}<p class="error">{{.Error}}</p>{{end}}
<p><a href="/age-verification?order={{.OrderNumber}}">Try again</a></p>
{{end}}`,
	"fail": `{{define "content"}}<h1>Verification unsuccessful</h1>
<p>We were unable to confirm your age, so order {{.OrderNumber}} cannot be dispatched. Please contact support.</p>
{{end}}`,
}

func NewPages(cfg PageConfig, logger *zap.Logger) (*Pages, error) {
	root, err := template.New("layout").Parse(layout)
	if err != nil {
		return nil, fmt.Errorf("failed to parse layout: %w", err)
	}

	pages := make(map[string]*template.Template, len(pageTemplates))
	for name, body := range pageTemplates {
		t, err := root.Clone()
		if err != nil {
			return nil, fmt.Errorf("failed to clone layout: %w", err)
		}
		if _, err := t.Parse(body); err != nil {
			return nil, fmt.Errorf("failed to parse page %s: %w", name, err)
		}
		pages[name] = t
	}
	return &Pages{cfg: cfg, pages: pages, logger: logger}, nil
}

func (p *Pages) Verify(w http.ResponseWriter, r *http.Request) {
	p.render(w, r, "verify", "Age verification")
}

func (p *Pages) Success(w http.ResponseWriter, r *http.Request) {
	p.render(w, r, "success", "Age verified")
}

func (p *Pages) Retry(w http.ResponseWriter, r *http.Request) {
	p.render(w, r, "retry", "Age verification")
}

func (p *Pages) Fail(w http.ResponseWriter, r *http.Request) {
	p.render(w, r, "fail", "Age verification failed")
}

func (p *Pages) render(w http.ResponseWriter, r *http.Request, name, title string) {
	q := r.URL.Query()
	data := pageData{
		Title:            title,
		ClientURL:        p.cfg.ClientURL,
		PublicKey:        p.cfg.PublicKey,
		OrderNumber:      q.Get("order"),
		ConfirmationCode: q.Get("code"),
		Error:            q.Get("error"),
	}

	var buf bytes.Buffer
	if err := p.pages[name].ExecuteTemplate(&buf, "layout", data); err != nil {
		p.logger.Error("failed to render page", zap.Error(err), zap.String("page", name))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	buf.WriteTo(w)
}
