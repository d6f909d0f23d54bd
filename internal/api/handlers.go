package api

import (
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/CZERTAINLY/Lookout/internal/history"
	"github.com/CZERTAINLY/Lookout/internal/model"
	"github.com/CZERTAINLY/Lookout/internal/store"
)

const (
	statusNew      = "new"
	statusQueued   = "queued"
	statusScanned  = "scanned"
	statusFailed   = "failed"
	emptyRecord    = "EMPTY"
	historyDefault = 100
)

type endpoint struct {
	Path    string   `json:"path"`
	Methods []string `json:"methods"`
}

// index lists the endpoints
func (s *Server) index(c echo.Context) error {
	var endpoints []endpoint
	for _, r := range s.e.Routes() {
		i := slices.IndexFunc(endpoints, func(e endpoint) bool { return e.Path == r.Path })
		if i < 0 {
			endpoints = append(endpoints, endpoint{Path: r.Path})
			i = len(endpoints) - 1
		}
		endpoints[i].Methods = append(endpoints[i].Methods, r.Method)
	}
	slices.SortFunc(endpoints, func(a, b endpoint) int {
		switch {
		case a.Path < b.Path:
			return -1
		case a.Path > b.Path:
			return 1
		}
		return 0
	})
	for i := range endpoints {
		slices.Sort(endpoints[i].Methods)
	}
	return c.JSON(http.StatusOK, endpoints)
}

func (s *Server) health(c echo.Context) error {
	return c.String(http.StatusOK, "OK")
}

func (s *Server) version(c echo.Context) error {
	return c.JSON(http.StatusOK, s.deps.Version)
}

// images lists discovered images with their scan status
func (s *Server) images(c echo.Context) error {
	images, err := s.discovered(c)
	if err != nil {
		return err
	}

	items := make([]map[string]string, 0, len(images))
	for _, image := range images {
		item, err := s.describe(c, image)
		if err != nil {
			return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
		}
		items = append(items, item)
	}

	filtered, err := filter(items, c.QueryParams())
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusOK, filtered)
}

func (s *Server) describe(c echo.Context, image string) (map[string]string, error) {
	item := map[string]string{"image": image}
	if name, tag, digest, ok := model.SplitImage(image); ok {
		item["name"] = name
		item["tag"] = tag
		if digest != "" {
			item["digest"] = digest
		}
	}

	exists, err := s.deps.Results.Exists(image)
	if err != nil {
		return nil, err
	}
	switch {
	case exists:
		failed, err := s.deps.Results.IsFailure(image)
		if err != nil {
			return nil, err
		}
		link := resultURL(c, image)
		if failed {
			item["status"] = statusFailed
			item["error"] = link
			break
		}
		item["status"] = statusScanned
		item["result"] = link
		if s.deps.Annotator != nil {
			uri, err := s.deps.Annotator.ReportURI(image)
			if err != nil {
				slog.WarnContext(c.Request().Context(), "reading report uri", "image", image, "error", err)
			} else if uri != "" {
				item["report_uri"] = uri
			}
		}
	case s.deps.Queue.Pending(image):
		item["status"] = statusQueued
	default:
		item["status"] = statusNew
	}
	return item, nil
}

func resultURL(c echo.Context, image string) string {
	u := url.URL{
		Scheme:   c.Scheme(),
		Host:     c.Request().Host,
		Path:     "/results",
		RawQuery: url.Values{"image": []string{image}}.Encode(),
	}
	return u.String()
}

func (s *Server) discovered(c echo.Context) ([]string, error) {
	if s.deps.Lister == nil {
		return []string{}, nil
	}
	images, err := s.deps.Lister.List(c.Request().Context())
	if err != nil {
		return nil, echo.NewHTTPError(http.StatusBadGateway, "discovery failed: "+err.Error())
	}
	return images, nil
}

func (s *Server) results(c echo.Context) error {
	image := c.QueryParam("image")
	if !model.ValidImage(image) {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid image: "+strconv.Quote(image))
	}
	rec, err := s.deps.Results.Read(image)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound)
	case err != nil:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if len(rec.Content) == 0 {
		return c.String(http.StatusOK, emptyRecord)
	}
	return c.Blob(http.StatusOK, echo.MIMETextPlainCharsetUTF8, rec.Content)
}

// ScanRequest is the body of POST /scan. Without images all discovered
// images are queued.
type ScanRequest struct {
	Images []string `json:"images" validate:"omitempty,dive,required"`
	Force  bool     `json:"force"`
}

// ScanResponse lists the queued images. Skipped are pending images whose
// records were not deleted by force.
type ScanResponse struct {
	Pushed  []string `json:"pushed"`
	Skipped []string `json:"skipped,omitempty"`
}

func (s *Server) scanQuery(c echo.Context) error {
	params := c.QueryParams()
	req := ScanRequest{
		Images: params["image"],
		Force:  params.Has("force"),
	}
	return s.scan(c, req)
}

func (s *Server) scanBody(c echo.Context) error {
	var req ScanRequest
	if err := c.Bind(&req); err != nil {
		return err
	}
	if err := c.Validate(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return s.scan(c, req)
}

func (s *Server) scan(c echo.Context, req ScanRequest) error {
	images := req.Images
	if len(images) == 0 {
		var err error
		images, err = s.discovered(c)
		if err != nil {
			return err
		}
	}

	var skipped []string
	if req.Force {
		for _, image := range images {
			// deleting the record of a running image would keep its slot busy
			if s.deps.Queue.Pending(image) {
				slog.InfoContext(c.Request().Context(), "force ignored: image is queued or in progress", "image", image)
				skipped = append(skipped, image)
				continue
			}
			if err := s.deps.Results.Delete(image); err != nil {
				return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
			}
			if s.deps.Annotator != nil {
				s.deps.Annotator.Forget(image)
			}
		}
	}

	pushed := s.deps.Queue.Enqueue(c.Request().Context(), images)
	return c.JSON(http.StatusOK, ScanResponse{Pushed: pushed, Skipped: skipped})
}

func (s *Server) queue(c echo.Context) error {
	return c.JSON(http.StatusOK, s.deps.Queue.Snapshot())
}

func (s *Server) history(c echo.Context) error {
	if s.deps.History == nil {
		return echo.NewHTTPError(http.StatusNotFound, "history is disabled")
	}
	limit := historyDefault
	if l := c.QueryParam("limit"); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil || n < 1 {
			return echo.NewHTTPError(http.StatusBadRequest, "limit must be a positive number")
		}
		limit = n
	}
	runs, err := history.List(c.Request().Context(), s.deps.History, c.QueryParam("image"), limit)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, runs)
}
