package webmonitor

import "html/template"

type indexData struct {
	Cameras []string
	WebRTC  bool
}

var indexTemplate = template.Must(template.New("index").Parse(`<!DOCTYPE html>
<html>
<head>
    <title>Object Sentry</title>
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <style>
        body { font-family: sans-serif; background: #111; color: #eee; margin: 0; padding: 16px; }
        h1 { font-size: 20px; margin: 0 0 12px; }
        h2 { font-size: 16px; margin: 16px 0 8px; }
        .feeds { display: flex; flex-wrap: wrap; gap: 12px; }
        .feed img { max-width: 640px; width: 100%; background: #000; }
        .gallery { display: flex; flex-wrap: wrap; gap: 8px; }
        .gallery figure { margin: 0; font-size: 12px; }
        .gallery img { width: 160px; display: block; }
        #alerts { font-family: monospace; font-size: 13px; max-height: 200px; overflow-y: auto; }
        .alert-a { color: #f66; }
        .alert-b { color: #6f6; }
    </style>
</head>
<body>
    <h1>Object Sentry</h1>

    <div class="feeds">
    {{range .Cameras}}
        <div class="feed">
            <h2>{{.}}</h2>
            <img src="/video?camera={{.}}" alt="Live stream {{.}}">
        </div>
    {{end}}
    </div>

    <h2>Alerts</h2>
    <div id="alerts"></div>

    <h2>Evidence</h2>
    <button id="refresh">Refresh</button>
    <div class="gallery" id="gallery"></div>

    <script>
    const alertsEl = document.getElementById('alerts');
    const events = new EventSource('/api/alerts/stream');
    events.onmessage = (e) => {
        const ev = JSON.parse(e.data);
        const row = document.createElement('div');
        row.className = 'alert-' + ev.message;
        row.textContent = ev.timestamp + ' ' + ev.camera + ' ' + ev.condition +
            ' "' + ev.message + '" suspicious=' + ev.suspicious_count + ' allowed=' + ev.allowed_count;
        alertsEl.prepend(row);
    };

    async function loadEvidence() {
        const res = await fetch('/images');
        const records = await res.json();
        const gallery = document.getElementById('gallery');
        gallery.innerHTML = '';
        for (const r of records.slice().reverse()) {
            const fig = document.createElement('figure');
            const img = document.createElement('img');
            img.src = 'data:image/jpeg;base64,' + r.image;
            const cap = document.createElement('figcaption');
            cap.textContent = '#' + r.id + ' ' + r.timestamp;
            fig.append(img, cap);
            gallery.append(fig);
        }
    }
    document.getElementById('refresh').onclick = loadEvidence;
    loadEvidence();
    {{if .WebRTC}}
    (async () => {
        const pc = new RTCPeerConnection({iceServers: [{urls: 'stun:stun.l.google.com:19302'}]});
        const dc = pc.createDataChannel('alerts');
        dc.onmessage = (e) => console.log('webrtc alert', JSON.parse(e.data));
        await pc.setLocalDescription(await pc.createOffer());
        await new Promise((ok) => {
            if (pc.iceGatheringState === 'complete') return ok();
            pc.onicegatheringstatechange = () => pc.iceGatheringState === 'complete' && ok();
        });
        const res = await fetch('/offer', {
            method: 'POST',
            headers: {'Content-Type': 'application/json'},
            body: JSON.stringify(pc.localDescription),
        });
        if (res.ok) await pc.setRemoteDescription(await res.json());
    })();
    {{end}}
    </script>
</body>
</html>
`))
