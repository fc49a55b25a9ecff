package api

import (
	"net/http"

	model2 "github.com/blnkfinance/tally/api/model"
	"github.com/gin-gonic/gin"
)

func (a Api) GetTransaction(c *gin.Context) {
	txn, err := a.tally.GetTransaction(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, txn)
}

func (a Api) UnlinkTransaction(c *gin.Context) {
	var req model2.UnlinkTransaction
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := req.ValidateUnlinkTransaction(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"errors": err.Error()})
		return
	}

	pair, err := a.tally.UnlinkTransaction(c.Request.Context(), c.Param("id"), req.Actor)
	if err != nil {
		respondWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, pair)
}

func (a Api) DeleteTransaction(c *gin.Context) {
	if err := a.tally.DeleteTransaction(c.Request.Context(), c.Param("id")); err != nil {
		respondWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Transaction deleted successfully"})
}
