package handler

import (
	"errors"
	"net/http"

	"whisperwire/internal/crypto"
	"whisperwire/internal/keydir"
	"whisperwire/internal/model"

	"github.com/gin-gonic/gin"
)

// KeyHandler serves the key exchange directory API.
type KeyHandler interface {
	RegisterKey(c *gin.Context)
	GetKey(c *gin.Context)
	ClaimPreKey(c *gin.Context)
}

type keyHandler struct {
	directory *keydir.Directory
}

func NewKeyHandler(directory *keydir.Directory) KeyHandler {
	return &keyHandler{
		directory: directory,
	}
}

type registerKeyRequest struct {
	PublicKey string         `json:"publicKey" binding:"required"`
	PreKeys   []model.PreKey `json:"preKeys"`
}

// RegisterKey publishes the authenticated user's long-term public key
// plus any fresh prekeys. The user id comes from the verified token,
// never from the request body.
func (h *keyHandler) RegisterKey(c *gin.Context) {
	var req registerKeyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "publicKey is required",
		})
		return
	}

	pub, err := crypto.DecodePublicKey(req.PublicKey)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "publicKey is not a valid encoded key",
		})
		return
	}

	userID := c.GetString(userIDKey)
	if err := h.directory.RegisterPublicKey(c.Request.Context(), userID, pub, req.PreKeys); err != nil {
		if errors.Is(err, keydir.ErrKeyRegistration) {
			c.JSON(http.StatusUnauthorized, gin.H{
				"error": "authentication required",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "failed to register key",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"userId":    userID,
		"publicKey": req.PublicKey,
	})
}

// GetKey returns a peer's current long-term public key. 404 when the
// peer never registered; callers must not send to such a peer.
func (h *keyHandler) GetKey(c *gin.Context) {
	userID := c.Param("userId")

	pub, err := h.directory.GetPublicKey(c.Request.Context(), userID)
	if err != nil {
		if errors.Is(err, keydir.ErrKeyNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error": "no published key for user",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "failed to look up key",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"userId":    userID,
		"publicKey": pub.Encode(),
	})
}

// ClaimPreKey consumes one unused prekey for the given peer. Exhaustion
// is not an error: the response carries a null prekey and the caller
// encrypts under the long-term key alone.
func (h *keyHandler) ClaimPreKey(c *gin.Context) {
	userID := c.Param("userId")

	pk, ok := h.directory.ConsumePreKey(c.Request.Context(), userID)
	if !ok {
		c.JSON(http.StatusOK, gin.H{
			"userId": userID,
			"preKey": nil,
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"userId": userID,
		"preKey": pk,
	})
}
