package api

import (
	"net/http"

	model2 "github.com/blnkfinance/tally/api/model"
	"github.com/blnkfinance/tally/model"
	"github.com/gin-gonic/gin"
)

func (a Api) StartReanalysis(c *gin.Context) {
	var req model2.StartReanalysis
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := req.ValidateStartReanalysis(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"errors": err.Error()})
		return
	}

	batch, err := a.tally.StartReanalysis(c.Request.Context(), req.ToReanalysisRequest())
	if err != nil {
		respondWithError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, batch)
}

func (a Api) GetBatchStatus(c *gin.Context) {
	batch, err := a.tally.GetBatchStatus(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, batch)
}

func (a Api) CancelBatch(c *gin.Context) {
	batch, err := a.tally.CancelBatch(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, batch)
}

func (a Api) RetryBatch(c *gin.Context) {
	batch, err := a.tally.RetryBatch(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondWithError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, batch)
}

func (a Api) AddKnowledgeBaseEntry(c *gin.Context) {
	var entry model.KnowledgeBaseEntry
	if err := c.ShouldBindJSON(&entry); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	saved, err := a.tally.AddKnowledgeBaseEntry(c.Request.Context(), entry)
	if err != nil {
		respondWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, saved)
}
