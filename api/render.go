package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/render"
	"github.com/goccy/go-json"
)

var jsonContentType = []string{"application/json; charset=utf-8"}

// goccyJSON renders Data with goccy/go-json instead of gin's encoding/json.
type goccyJSON struct {
	Data any
}

var _ render.Render = goccyJSON{}

func (r goccyJSON) Render(w http.ResponseWriter) error {
	r.WriteContentType(w)
	body, err := json.Marshal(r.Data)
	if err != nil {
		return err
	}
	_, err = w.Write(body)
	return err
}

func (r goccyJSON) WriteContentType(w http.ResponseWriter) {
	header := w.Header()
	if val := header["Content-Type"]; len(val) == 0 {
		header["Content-Type"] = jsonContentType
	}
}

func renderJSON(c *gin.Context, code int, obj any) {
	c.Render(code, goccyJSON{Data: obj})
}
