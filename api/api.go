package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/blnkfinance/tally"
	"github.com/blnkfinance/tally/api/middleware"
	"github.com/blnkfinance/tally/config"
	"github.com/blnkfinance/tally/internal/apierror"
	"github.com/blnkfinance/tally/internal/extraction"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
)

type Api struct {
	tally     *tally.Tally
	extractor *extraction.Client
	router    *gin.Engine
}

func (a Api) Router() *gin.Engine {
	router := a.router

	router.POST("/accounts", a.CreateAccount)
	router.GET("/accounts/:id", a.GetAccount)

	router.POST("/statements/reconcile", a.ReconcileStatement)
	router.POST("/statements/upload", a.UploadStatement)
	router.POST("/statements", a.ImportStatement)
	router.GET("/statements/:id", a.GetStatement)
	router.POST("/statements/:id/corrections", a.CorrectStatement)
	router.POST("/statements/:id/confirm", a.ConfirmStatement)

	router.GET("/transactions/:id", a.GetTransaction)
	router.POST("/transactions/:id/unlink", a.UnlinkTransaction)
	router.DELETE("/transactions/:id", a.DeleteTransaction)

	router.POST("/transfers/detect", a.DetectTransfers)
	router.GET("/transfers/candidates", a.ListCandidates)
	router.GET("/transfers/candidates/:id", a.GetCandidate)
	router.POST("/transfers/candidates/:id/review", a.ReviewCandidate)

	router.POST("/pending-transfers", a.RegisterPendingTransfer)
	router.GET("/pending-transfers", a.ListPendingTransfers)
	router.GET("/pending-transfers/:id", a.GetPendingTransfer)
	router.POST("/pending-transfers/:id/cancel", a.CancelPendingTransfer)
	router.DELETE("/pending-transfers/:id", a.DeletePendingTransfer)

	router.POST("/reanalysis", a.StartReanalysis)
	router.GET("/reanalysis/:id", a.GetBatchStatus)
	router.POST("/reanalysis/:id/cancel", a.CancelBatch)
	router.POST("/reanalysis/:id/retry", a.RetryBatch)

	router.POST("/knowledge-base", a.AddKnowledgeBaseEntry)
	return a.router
}

func NewAPI(t *tally.Tally) *Api {
	gin.SetMode(gin.ReleaseMode)
	conf, err := config.Fetch()
	if err != nil {
		return nil
	}
	r := gin.Default()
	r.Use(otelgin.Middleware(conf.ProjectName))
	r.Use(middleware.RateLimitMiddleware(conf))
	if conf.Server.Secure {
		r.Use(middleware.SecretKeyAuthMiddleware())
	}

	r.GET("/", func(c *gin.Context) {
		c.JSON(http.StatusOK, "server running...")
	})

	return &Api{tally: t, extractor: extraction.NewClient(conf.Extraction), router: r}
}

// respondWithError writes err with the status its code maps to. Errors that are not
// APIErrors are reported as internal errors.
func respondWithError(c *gin.Context, err error) {
	var apiErr apierror.APIError
	if !errors.As(err, &apiErr) {
		logrus.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	body := gin.H{"error": apiErr.Message, "code": apiErr.Code}
	if apiErr.Details != nil {
		body["details"] = renderDetails(apiErr.Details)
	}
	c.JSON(apierror.MapErrorToHTTPStatus(err), body)
}

func renderDetails(details interface{}) interface{} {
	if _, ok := details.(json.Marshaler); ok {
		return details
	}
	if err, ok := details.(error); ok {
		return err.Error()
	}
	return details
}
