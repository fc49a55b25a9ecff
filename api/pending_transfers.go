package api

import (
	"net/http"

	model2 "github.com/blnkfinance/tally/api/model"
	"github.com/gin-gonic/gin"
)

func (a Api) RegisterPendingTransfer(c *gin.Context) {
	var req model2.RegisterPendingTransfer
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := req.ValidateRegisterPendingTransfer(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"errors": err.Error()})
		return
	}
	declaration, err := req.ToPendingTransferRequest()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	transfer, err := a.tally.RegisterPendingTransfer(c.Request.Context(), declaration)
	if err != nil {
		respondWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, transfer)
}

func (a Api) ListPendingTransfers(c *gin.Context) {
	transfers, err := a.tally.ListPendingTransfers(c.Request.Context(), c.Query("status"))
	if err != nil {
		respondWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, transfers)
}

func (a Api) GetPendingTransfer(c *gin.Context) {
	transfer, err := a.tally.GetPendingTransfer(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, transfer)
}

func (a Api) CancelPendingTransfer(c *gin.Context) {
	transfer, err := a.tally.CancelPendingTransfer(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, transfer)
}

func (a Api) DeletePendingTransfer(c *gin.Context) {
	if err := a.tally.DeletePendingTransfer(c.Request.Context(), c.Param("id")); err != nil {
		respondWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Pending transfer deleted successfully"})
}
