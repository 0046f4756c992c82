package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/devhowyalike/rapgpt-sub001/internal/live"
	"github.com/devhowyalike/rapgpt-sub001/internal/stats"
)

type Deps struct {
	Live    *live.Service
	Stats   stats.Provider
	Metrics http.Handler
	WS      http.Handler
	Log     *zap.Logger
}

func SetupRoutes(d Deps) http.Handler {
	log := d.Log.Named("http")
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(log))

	r.Get("/healthz", Healthz)
	r.Get("/stats", Stats(d.Stats, log))
	if d.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", d.Metrics)
	}
	r.Method(http.MethodGet, "/ws", d.WS)

	r.Route("/battles", func(r chi.Router) {
		r.Post("/", CreateBattle(d.Live, log))
		r.Route("/{battleID}", func(r chi.Router) {
			r.Get("/", GetBattle(d.Live, log))
			r.Post("/live/start", StartLive(d.Live, log))
			r.Post("/live/stop", StopLive(d.Live, log))
			r.Post("/phase", BeginPhase(d.Live, log))
			r.Post("/rounds/advance", AdvanceRound(d.Live, log))
			r.Post("/verses/generate", GenerateVerse(d.Live, log))
			r.Post("/votes", CastVote(d.Live, log))
			r.Post("/comments", PostComment(d.Live, log))
			r.Put("/autoplay", SetAutoPlay(d.Live, log))
		})
	})
	return r
}

// requestLogger logs at debug; the socket endpoint is long-lived and logs
// its own lifecycle.
func requestLogger(log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			log.Debug("request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("elapsed", time.Since(start)),
			)
		})
	}
}
