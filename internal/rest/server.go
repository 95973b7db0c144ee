package rest

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"maskcreator/internal/logging"
	"maskcreator/internal/segment"
)

// Handlers serves the JSON/HTTP endpoints from a Segmenter.
type Handlers struct {
	segmenter segment.Segmenter
	log       *logging.Logger
}

// NewHandlers creates the endpoint handlers.
func NewHandlers(seg segment.Segmenter, log *logging.Logger) *Handlers {
	if log == nil {
		log = logging.Default()
	}
	return &Handlers{segmenter: seg, log: log.WithComponent("rest-server")}
}

// NewRouter returns a gin engine with the three segmentation endpoints and
// request logging.
func NewRouter(seg segment.Segmenter, log *logging.Logger) *gin.Engine {
	h := NewHandlers(seg, log)

	router := gin.New()
	router.Use(gin.Recovery(), h.requestLogger())
	h.Register(router)
	return router
}

// Register mounts the endpoints on r.
func (h *Handlers) Register(r gin.IRoutes) {
	r.GET(PathArgs, h.StartupArgs)
	r.POST(PathMasks, h.GenerateMasks)
	r.POST(PathBoxLayers, h.GenerateBoxLayers)
}

func (h *Handlers) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		h.log.Info("request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration", time.Since(start),
		)
	}
}

func (h *Handlers) fail(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	if errors.Is(err, segment.ErrValidation) {
		status = http.StatusBadRequest
	}
	h.log.Warn("request failed", "path", c.FullPath(), "error", err)
	c.AbortWithStatusJSON(status, gin.H{"error": err.Error()})
}

// StartupArgs handles GET /mask_creator_args.
func (h *Handlers) StartupArgs(c *gin.Context) {
	args := h.segmenter.StartupArgs()
	c.JSON(http.StatusOK, argsResponse{ProcDir: args.ProcDir, DinoPrompt: args.DetectionPrompt})
}

// GenerateMasks handles POST /generate_masks.
func (h *Handlers) GenerateMasks(c *gin.Context) {
	var body masksRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		h.fail(c, errors.Join(segment.ErrValidation, err))
		return
	}

	req := segment.MasksRequest{Image: body.ImageBytes}
	flag := byte(body.ControlFlag)

	if flag&segment.FlagPoints != 0 {
		points, err := ParsePoints(body.Points)
		if err != nil {
			h.fail(c, err)
			return
		}
		req.Points = points
	}
	if flag&segment.FlagBox != 0 {
		box, err := ParseBox(body.Box)
		if err != nil {
			h.fail(c, err)
			return
		}
		req.Box = box
	}

	masks, err := h.segmenter.GenerateMasks(req)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, masksResponse{Masks: masksToJSON(masks)})
}

// GenerateBoxLayers handles POST /generate_box_layers.
func (h *Handlers) GenerateBoxLayers(c *gin.Context) {
	var body boxLayersRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		h.fail(c, errors.Join(segment.ErrValidation, err))
		return
	}

	layers, err := h.segmenter.GenerateBoxLayers(body.ImageBytes, body.TextPrompt)
	if err != nil {
		h.fail(c, err)
		return
	}

	resp := boxLayersResponse{BoxLayers: make([]boxLayerJSON, len(layers))}
	for i, l := range layers {
		resp.BoxLayers[i] = boxLayerJSON{
			Caption: l.Caption,
			X1:      l.X1,
			Y1:      l.Y1,
			X2:      l.X2,
			Y2:      l.Y2,
			Masks:   masksToJSON(l.Masks),
		}
	}
	c.JSON(http.StatusOK, resp)
}
