package calendar

import (
	"fmt"
	"html"
	"net/http"
)

const resultPage = `<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>OpenWhispr</title>
<style>
  body { font-family: system-ui, sans-serif; display: flex; justify-content: center; margin-top: 15vh; background: #fafafa; }
  .card { text-align: center; padding: 2rem 3rem; border-radius: 12px; background: #fff; box-shadow: 0 2px 12px rgba(0,0,0,0.08); }
  h1 { font-size: 1.3rem; }
  p { color: #555; }
</style>
</head>
<body>
<div class="card">
<h1>%s</h1>
<p>%s</p>
</div>
</body>
</html>
`

func renderSuccessPage(w http.ResponseWriter, email string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprintf(w, resultPage, "Calendar connected",
		html.EscapeString(email)+" is now linked. You can close this tab.")
}

func renderFailurePage(w http.ResponseWriter, reason string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusBadRequest)
	fmt.Fprintf(w, resultPage, "Connection failed",
		html.EscapeString(reason)+". You can close this tab and try again.")
}
