package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/punchamoorthee/wavesops/internal/domain"
	"github.com/punchamoorthee/wavesops/internal/ledger"
	"github.com/punchamoorthee/wavesops/internal/store"
)

// MaxMintQuantity caps how many units one CreateMembership call may mint.
const MaxMintQuantity = 10_000

// CreateMembership mints quantity units of a creator's collection and records
// one UNSOLD membership per unit.
func (c *Coordinator) CreateMembership(ctx context.Context, creatorID int64, in domain.MembershipInput) domain.Result[[]domain.Membership] {
	rows, hash, err := c.createMembership(ctx, creatorID, in)
	if err != nil {
		return finish(c, "create_membership", domain.Fail[[]domain.Membership](err))
	}
	return finish(c, "create_membership", domain.Ok(rows, fmt.Sprintf("Minted %d memberships", len(rows)), hash))
}

func (c *Coordinator) createMembership(ctx context.Context, creatorID int64, in domain.MembershipInput) ([]domain.Membership, string, error) {
	in.Name = strings.TrimSpace(in.Name)
	in.Description = strings.TrimSpace(in.Description)
	in.CollectionTag = strings.TrimSpace(in.CollectionTag)
	switch {
	case in.Name == "":
		return nil, "", domain.Validation("name is required")
	case in.Description == "":
		return nil, "", domain.Validation("description is required")
	case in.CollectionTag == "":
		return nil, "", domain.Validation("collection tag is required")
	case !in.Price.IsPositive():
		return nil, "", domain.Validation("price must be positive")
	case in.Quantity <= 0 || in.Quantity > MaxMintQuantity:
		return nil, "", domain.Validation("quantity must be between 1 and %d", MaxMintQuantity)
	}

	creator, err := c.member(ctx, creatorID, "creator")
	if err != nil {
		return nil, "", err
	}
	if creator.Role != domain.RoleCreator {
		return nil, "", domain.Validation("user %d is not a creator", creatorID)
	}

	summary, err := c.ledger.Mint(ctx, creator.WalletAddress, in.CollectionTag, creatorID, in.Quantity, ledger.Metadata{
		CollectionTag: in.CollectionTag,
		Name:          in.Name,
		Price:         in.Price,
		Quantity:      in.Quantity,
		Description:   in.Description,
	})
	if err != nil {
		return nil, "", err
	}

	rows, err := c.records.CreateMemberships(context.WithoutCancel(ctx), domain.Membership{
		Name:          in.Name,
		Description:   in.Description,
		Price:         in.Price,
		CollectionTag: in.CollectionTag,
		TokenID:       summary.TokenID,
		TrxHash:       summary.TrxHash,
		Status:        domain.MembershipUnsold,
		CreatorID:     creatorID,
		OwnerID:       creatorID,
	}, in.Quantity)
	if err != nil {
		return nil, summary.TrxHash, afterLedger("mint succeeded but memberships were not recorded", summary.TrxHash, err)
	}
	c.log.WithFields(logrus.Fields{
		"creator":  creatorID,
		"tag":      in.CollectionTag,
		"quantity": in.Quantity,
		"tx":       summary.TrxHash,
	}).Info("memberships minted")
	return rows, summary.TrxHash, nil
}

// BuyMembership transfers one unit from the creator's wallet to the buyer's
// and marks the membership SOLD.
func (c *Coordinator) BuyMembership(ctx context.Context, membershipID, buyerID int64) domain.Result[domain.Membership] {
	m, hash, err := c.buyMembership(ctx, membershipID, buyerID)
	if err != nil {
		return finish(c, "buy_membership", domain.Fail[domain.Membership](err))
	}
	return finish(c, "buy_membership", domain.Ok(m, "Membership purchased", hash))
}

func (c *Coordinator) buyMembership(ctx context.Context, membershipID, buyerID int64) (domain.Membership, string, error) {
	m, err := c.membership(ctx, membershipID)
	if err != nil {
		return domain.Membership{}, "", err
	}
	if m.Status == domain.MembershipSold {
		return domain.Membership{}, "", domain.Validation("membership %d is already sold", membershipID)
	}
	if m.CreatorID == buyerID {
		return domain.Membership{}, "", domain.Validation("creators cannot buy their own memberships")
	}
	if m.OwnerID != m.CreatorID {
		return domain.Membership{}, "", domain.Conflict("membership %d is no longer held by its creator", membershipID)
	}
	buyer, err := c.member(ctx, buyerID, "buyer")
	if err != nil {
		return domain.Membership{}, "", err
	}
	creator, err := c.member(ctx, m.CreatorID, "creator")
	if err != nil {
		return domain.Membership{}, "", err
	}
	if err := c.holds(ctx, creator.WalletAddress, tokenOf(m), "creator"); err != nil {
		return domain.Membership{}, "", err
	}

	claim := c.newClaim()
	if err := c.records.ClaimMembership(ctx, membershipID, claim); err != nil {
		return domain.Membership{}, "", claimConflict("membership", membershipID, err)
	}
	// A trade may have settled between the read above and the claim.
	if held, err := c.records.GetMembership(ctx, membershipID); err != nil || held.OwnerID != held.CreatorID {
		c.release(ctx, logrus.Fields{"membership": membershipID}, func(ctx context.Context) error {
			return c.records.ReleaseMembership(ctx, membershipID, claim)
		})
		if err != nil {
			return domain.Membership{}, "", domain.Internal("load membership", err)
		}
		return domain.Membership{}, "", domain.Conflict("membership %d is no longer held by its creator", membershipID)
	}

	summary, err := c.ledger.Transfer(ctx, creator.WalletAddress, buyer.WalletAddress, m.CollectionTag, m.CreatorID, 1)
	if err != nil {
		c.releaseUnlessIndeterminate(ctx, err, logrus.Fields{"membership": membershipID}, func(ctx context.Context) error {
			return c.records.ReleaseMembership(ctx, membershipID, claim)
		})
		return domain.Membership{}, "", err
	}

	sold, err := c.records.SellMembership(context.WithoutCancel(ctx), membershipID, claim, buyerID, summary.TrxHash)
	if err != nil {
		return domain.Membership{}, summary.TrxHash, afterLedger("transfer succeeded but sale was not recorded", summary.TrxHash, err)
	}
	c.log.WithFields(logrus.Fields{
		"membership": membershipID,
		"buyer":      buyerID,
		"tx":         summary.TrxHash,
	}).Info("membership sold")
	return sold, summary.TrxHash, nil
}

// ListMemberships pages through memberships, optionally by status.
func (c *Coordinator) ListMemberships(ctx context.Context, status domain.MembershipStatus, page domain.Page) domain.Result[domain.Paged[domain.Membership]] {
	return c.listMemberships(ctx, "list_memberships", store.MembershipFilter{Status: status}, page)
}

// ListOwnedMemberships pages through the memberships ownerID holds.
func (c *Coordinator) ListOwnedMemberships(ctx context.Context, ownerID int64, status domain.MembershipStatus, page domain.Page) domain.Result[domain.Paged[domain.Membership]] {
	if ownerID <= 0 {
		return finish(c, "list_owned_memberships", domain.Fail[domain.Paged[domain.Membership]](domain.Validation("owner id is required")))
	}
	return c.listMemberships(ctx, "list_owned_memberships", store.MembershipFilter{Status: status, OwnerID: ownerID}, page)
}

func (c *Coordinator) listMemberships(ctx context.Context, op string, f store.MembershipFilter, page domain.Page) domain.Result[domain.Paged[domain.Membership]] {
	switch f.Status {
	case "", domain.MembershipUnsold, domain.MembershipSold:
	default:
		return finish(c, op, domain.Fail[domain.Paged[domain.Membership]](domain.Validation("unknown membership status %q", f.Status)))
	}
	page = page.Normalize()
	rows, total, err := c.records.ListMemberships(ctx, f, page)
	if err != nil {
		return finish(c, op, domain.Fail[domain.Paged[domain.Membership]](domain.Internal("list memberships", err)))
	}
	return finish(c, op, domain.Ok(paged(rows, total, page), "", ""))
}
