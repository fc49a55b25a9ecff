package api

import (
	"net/http"
	"strconv"

	model2 "github.com/blnkfinance/tally/api/model"
	"github.com/gin-gonic/gin"
)

func (a Api) DetectTransfers(c *gin.Context) {
	var req model2.DetectTransfers
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := req.ValidateDetectTransfers(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"errors": err.Error()})
		return
	}
	filter, err := req.ToDetectionFilter()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	result, err := a.tally.DetectTransfers(c.Request.Context(), filter)
	if err != nil {
		respondWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// ListCandidates lists candidates, optionally by status. limit and offset page the
// results; a limit of 0 returns everything.
func (a Api) ListCandidates(c *gin.Context) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "0"))
	if err != nil || limit < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a non-negative integer"})
		return
	}
	offset, err := strconv.Atoi(c.DefaultQuery("offset", "0"))
	if err != nil || offset < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "offset must be a non-negative integer"})
		return
	}

	candidates, err := a.tally.ListCandidates(c.Request.Context(), c.Query("status"), limit, offset)
	if err != nil {
		respondWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, candidates)
}

func (a Api) GetCandidate(c *gin.Context) {
	candidate, err := a.tally.GetCandidate(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, candidate)
}

func (a Api) ReviewCandidate(c *gin.Context) {
	var req model2.ReviewCandidate
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := req.ValidateReviewCandidate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"errors": err.Error()})
		return
	}

	result, err := a.tally.ReviewCandidate(c.Request.Context(), c.Param("id"), req.ToReviewDecision())
	if err != nil {
		respondWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}
