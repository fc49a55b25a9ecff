package api

import (
	"net/http"

	model2 "github.com/blnkfinance/tally/api/model"
	"github.com/blnkfinance/tally/internal/apierror"
	"github.com/blnkfinance/tally/internal/extraction"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// ReconcileStatement checks a statement without storing it. A mismatch is answered
// with 422 and carries the full reconciliation next to the error.
func (a Api) ReconcileStatement(c *gin.Context) {
	var req model2.ReconcileStatement
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := req.ValidateReconcileStatement(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"errors": err.Error()})
		return
	}

	reconciliation, err := a.tally.Reconcile(c.Request.Context(), req.ToStatementInput())
	if apierror.HasCode(err, apierror.ErrBalanceMismatch) {
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"error":          "Statement does not balance",
			"code":           apierror.ErrBalanceMismatch,
			"reconciliation": reconciliation,
		})
		return
	}
	if err != nil {
		respondWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, reconciliation)
}

func (a Api) ImportStatement(c *gin.Context) {
	var req model2.ImportStatement
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := req.ValidateImportStatement(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"errors": err.Error()})
		return
	}

	extracted, err := extraction.ParsePayload(req.Statement)
	if err != nil {
		respondWithError(c, err)
		return
	}
	result, err := a.tally.ImportStatement(c.Request.Context(), req.AccountID, *extracted)
	if err != nil {
		respondWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, result)
}

// UploadStatement sends a statement document to the extraction service and imports
// what comes back.
func (a Api) UploadStatement(c *gin.Context) {
	accountID := c.PostForm("account_id")
	if accountID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "account_id is required"})
		return
	}
	file, header, err := c.Request.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "File upload failed"})
		return
	}
	defer file.Close()

	payload, err := a.extractor.Extract(c.Request.Context(), header.Filename, file)
	if err != nil {
		logrus.WithError(err).WithField("file", header.Filename).Error("statement extraction failed")
		c.JSON(http.StatusBadGateway, gin.H{"error": "Failed to extract statement"})
		return
	}
	extracted, err := extraction.ParsePayload(payload)
	if err != nil {
		respondWithError(c, err)
		return
	}

	result, err := a.tally.ImportStatement(c.Request.Context(), accountID, *extracted)
	if err != nil {
		respondWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, result)
}

func (a Api) GetStatement(c *gin.Context) {
	result, err := a.tally.GetStatement(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (a Api) CorrectStatement(c *gin.Context) {
	var req model2.CorrectStatement
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := req.ValidateCorrectStatement(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"errors": err.Error()})
		return
	}

	result, err := a.tally.CorrectStatement(c.Request.Context(), c.Param("id"), req.Corrections)
	if err != nil {
		respondWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (a Api) ConfirmStatement(c *gin.Context) {
	result, err := a.tally.ConfirmStatement(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}
