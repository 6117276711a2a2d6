package status

import (
	"context"
	"net/http"
	"time"

	"github.com/CodedInternet/goswerve/drivetrain"
	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"github.com/go-chi/render"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// Source is where the server reads module state from. A *drivetrain.Drivetrain is one.
type Source interface {
	Latest() ([drivetrain.NumModules]drivetrain.ModuleSnapshot, uint64)
	Config(id drivetrain.ModuleID) (drivetrain.ModuleConfig, error)
}

//---
// Payloads
//---

type ModulePayload struct {
	ID       string     `json:"id"`
	Cycle    uint64     `json:"cycle"`
	Location [2]float64 `json:"location"`
	drivetrain.ModuleSnapshot
}

func (p *ModulePayload) Render(w http.ResponseWriter, r *http.Request) error {
	return nil
}

type ErrResponse struct {
	Err            error `json:"-"`
	HTTPStatusCode int   `json:"-"`

	StatusText string `json:"status"`
	ErrorText  string `json:"error,omitempty"`
}

func (e *ErrResponse) Render(w http.ResponseWriter, r *http.Request) error {
	render.Status(r, e.HTTPStatusCode)
	return nil
}

func ErrNotFound(err error) render.Renderer {
	return &ErrResponse{
		Err:            err,
		HTTPStatusCode: http.StatusNotFound,
		StatusText:     "Resource not found.",
		ErrorText:      err.Error(),
	}
}

func ErrRender(err error) render.Renderer {
	return &ErrResponse{
		Err:            err,
		HTTPStatusCode: http.StatusUnprocessableEntity,
		StatusText:     "Error rendering response.",
		ErrorText:      err.Error(),
	}
}

//---
// Views
//---

type server struct {
	src Source
}

func (s *server) payload(id drivetrain.ModuleID, snapshots [drivetrain.NumModules]drivetrain.ModuleSnapshot, cycle uint64) (*ModulePayload, error) {
	c, err := s.src.Config(id)
	if err != nil {
		return nil, err
	}
	return &ModulePayload{
		ID:             id.String(),
		Cycle:          cycle,
		Location:       [2]float64{c.Location.X(), c.Location.Y()},
		ModuleSnapshot: snapshots[id],
	}, nil
}

func (s *server) listModules(w http.ResponseWriter, r *http.Request) {
	snapshots, cycle := s.src.Latest()

	list := make([]render.Renderer, 0, drivetrain.NumModules)
	for _, id := range drivetrain.AllModules {
		p, err := s.payload(id, snapshots, cycle)
		if err != nil {
			render.Render(w, r, ErrRender(err))
			return
		}
		list = append(list, p)
	}

	if err := render.RenderList(w, r, list); err != nil {
		render.Render(w, r, ErrRender(err))
	}
}

func (s *server) getModule(w http.ResponseWriter, r *http.Request) {
	id, err := drivetrain.ParseModuleID(chi.URLParam(r, "moduleID"))
	if err != nil {
		render.Render(w, r, ErrNotFound(err))
		return
	}

	snapshots, cycle := s.src.Latest()
	p, err := s.payload(id, snapshots, cycle)
	if err != nil {
		render.Render(w, r, ErrRender(err))
		return
	}

	if err := render.Render(w, r, p); err != nil {
		render.Render(w, r, ErrRender(err))
	}
}

// NewRouter builds the read-only status API.
func NewRouter(src Source) chi.Router {
	s := &server{src: src}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.RedirectSlashes)
	r.Use(middleware.Recoverer) // make sure this is last

	r.Route("/api/modules", func(r chi.Router) {
		r.Get("/", s.listModules)
		r.Get("/{moduleID}", s.getModule)
	})

	return r
}

// ListenAndServe serves handler on addr until ctx is done.
func ListenAndServe(ctx context.Context, addr string, handler http.Handler) error {
	srv := &http.Server{Addr: addr, Handler: handler}

	go func() {
		<-ctx.Done()
		shutdown, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		srv.Shutdown(shutdown)
	}()

	log.WithField("addr", addr).Info("status server listening")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return errors.Wrap(err, "status server")
	}
	return nil
}
