package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// dashboardHTML is the single-page ops view: open alerts, dead-letter
// depth, and the live envelope feed over /ws.
const dashboardHTML = `<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <title>Trustwire</title>
    <meta name="description" content="Marketplace trust and fraud detection">
    <style>
        * { margin: 0; padding: 0; box-sizing: border-box; }
        :root {
            --bg: #09090b;
            --bg-subtle: #18181b;
            --border: #27272a;
            --text: #fafafa;
            --text-secondary: #a1a1aa;
            --critical: #ef4444;
            --high: #f59e0b;
            --medium: #3b82f6;
            --low: #a1a1aa;
            --accent: #22c55e;
        }
        body {
            font-family: -apple-system, 'Segoe UI', sans-serif;
            background: var(--bg);
            color: var(--text);
            font-size: 14px;
            line-height: 1.5;
        }
        .container { max-width: 1100px; margin: 0 auto; padding: 0 24px; }
        header { border-bottom: 1px solid var(--border); padding: 16px 0; }
        .header-inner { display: flex; justify-content: space-between; align-items: center; }
        .logo { font-weight: 600; font-size: 16px; }
        .logo span { color: var(--accent); }
        .stats { display: grid; grid-template-columns: repeat(3, 1fr); gap: 16px; margin: 24px 0; }
        .stat {
            background: var(--bg-subtle);
            border: 1px solid var(--border);
            border-radius: 8px;
            padding: 16px;
        }
        .stat .value { font-size: 28px; font-weight: 600; }
        .stat .label { color: var(--text-secondary); font-size: 12px; text-transform: uppercase; }
        h2 { font-size: 14px; margin: 24px 0 8px; color: var(--text-secondary); text-transform: uppercase; }
        table { width: 100%; border-collapse: collapse; }
        th, td { text-align: left; padding: 8px 12px; border-bottom: 1px solid var(--border); }
        th { color: var(--text-secondary); font-size: 12px; text-transform: uppercase; }
        .sev { padding: 1px 8px; border-radius: 10px; font-size: 12px; }
        .sev.critical { color: var(--critical); border: 1px solid var(--critical); }
        .sev.high { color: var(--high); border: 1px solid var(--high); }
        .sev.medium { color: var(--medium); border: 1px solid var(--medium); }
        .sev.low { color: var(--low); border: 1px solid var(--low); }
        #feed { font-family: monospace; font-size: 12px; color: var(--text-secondary); }
        #feed div { padding: 2px 0; border-bottom: 1px solid var(--border); }
    </style>
</head>
<body>
    <header>
        <div class="container header-inner">
            <div class="logo">trust<span>wire</span></div>
            <div id="status" style="color: var(--text-secondary);">connecting…</div>
        </div>
    </header>
    <main class="container">
        <div class="stats">
            <div class="stat"><div class="value" id="open-alerts">–</div><div class="label">Open alerts</div></div>
            <div class="stat"><div class="value" id="dead-letters">–</div><div class="label">Dead letters</div></div>
            <div class="stat"><div class="value" id="consumers">–</div><div class="label">Event types wired</div></div>
        </div>
        <h2>Open alerts</h2>
        <table>
            <thead><tr><th>Severity</th><th>Type</th><th>Title</th><th>SLA deadline</th></tr></thead>
            <tbody id="alerts"></tbody>
        </table>
        <h2>Live events</h2>
        <div id="feed"></div>
    </main>
    <script>
        async function refresh() {
            const stats = await fetch('/v1/stats').then(r => r.json());
            document.getElementById('dead-letters').textContent = stats.dead_letters;
            document.getElementById('open-alerts').textContent = stats.open_alerts;
            document.getElementById('consumers').textContent = Object.keys(stats.consumers || {}).length;

            const res = await fetch('/v1/alerts?limit=20').then(r => r.json());
            const rows = (res.alerts || []).map(a =>
                '<tr><td><span class="sev ' + a.severity + '">' + a.severity + '</span></td>' +
                '<td>' + a.alert_type + '</td><td>' + a.title + '</td>' +
                '<td>' + new Date(a.sla_deadline).toLocaleString() + '</td></tr>');
            document.getElementById('alerts').innerHTML = rows.join('');
        }

        function connect() {
            const proto = location.protocol === 'https:' ? 'wss' : 'ws';
            const ws = new WebSocket(proto + '://' + location.host + '/ws');
            const feed = document.getElementById('feed');
            ws.onopen = () => { document.getElementById('status').textContent = 'live'; };
            ws.onclose = () => {
                document.getElementById('status').textContent = 'reconnecting…';
                setTimeout(connect, 3000);
            };
            ws.onmessage = (e) => {
                const msg = JSON.parse(e.data);
                const line = document.createElement('div');
                if (msg.stream === 'envelope') {
                    line.textContent = msg.data.type + '  ' + msg.data.id;
                } else {
                    line.textContent = 'ALERT ' + msg.data.severity + '  ' + msg.data.title;
                }
                feed.prepend(line);
                while (feed.childNodes.length > 50) feed.removeChild(feed.lastChild);
            };
        }

        refresh();
        setInterval(refresh, 10000);
        connect();
    </script>
</body>
</html>`

func (s *Server) dashboardHandler(c *gin.Context) {
	c.Header("Content-Type", "text/html; charset=utf-8")
	c.String(http.StatusOK, dashboardHTML)
}
