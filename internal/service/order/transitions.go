package order

import (
	"github.com/vladislavdragonenkov/marketplace/internal/domain"
)

// plan проверяет таблицу переходов для роли актора и возвращает новое состояние заказа.
// Права на сам заказ уже проверены через CanActOn.
func plan(current domain.Order, target domain.OrderStatus, actor domain.Actor) (domain.Order, error) {
	from := current.Status
	if from == domain.OrderStatusCancelled || from == domain.OrderStatusReturned || from == domain.OrderStatusCompleted {
		return domain.Order{}, domain.NewConflictError("order %s is %s", current.ID, from)
	}
	if from == target && target != domain.OrderStatusShipped {
		return domain.Order{}, domain.NewConflictError("order %s is already %s", current.ID, from)
	}

	next := current.Clone()
	next.Status = target

	switch actor.Role {
	case domain.RoleCustomer:
		if target != domain.OrderStatusCancelled {
			return domain.Order{}, domain.NewConflictError("customer can only cancel an order")
		}
		if !from.Cancellable() {
			return domain.Order{}, domain.NewConflictError("order %s cannot be cancelled from %s", current.ID, from)
		}
		return next, nil

	case domain.RoleVendor:
		return planVendor(current, next, target, actor)

	case domain.RoleAdmin:
		if target == domain.OrderStatusCancelled {
			if !from.Cancellable() {
				return domain.Order{}, domain.NewConflictError("order %s cannot be cancelled from %s", current.ID, from)
			}
			return next, nil
		}
		if !domain.IsForward(from, target) {
			return domain.Order{}, domain.NewConflictError("transition %s -> %s is not a forward transition", from, target)
		}
		if target.AtLeast(domain.OrderStatusShipped) {
			markShipped(&next, "")
		}
		return next, nil

	case domain.RoleSystem:
		switch {
		case from == domain.OrderStatusCreated && target == domain.OrderStatusPaymentPending,
			from == domain.OrderStatusPaymentPending && target == domain.OrderStatusPaid,
			from == domain.OrderStatusDelivered && target == domain.OrderStatusReturned:
			return next, nil
		}
		return domain.Order{}, domain.NewConflictError("transition %s -> %s is not allowed", from, target)
	}

	return domain.Order{}, domain.NewForbiddenError("role %q cannot change order status", actor.Role)
}

// planVendor: вендор берёт оплаченный заказ в работу и отгружает только свои позиции.
// Заказ становится shipped, когда отгружены все позиции всех продавцов.
func planVendor(current, next domain.Order, target domain.OrderStatus, actor domain.Actor) (domain.Order, error) {
	from := current.Status
	switch {
	case from == domain.OrderStatusPaid && target == domain.OrderStatusProcessing:
		return next, nil

	case target == domain.OrderStatusShipped && (from == domain.OrderStatusProcessing || from == domain.OrderStatusShipped):
		if !hasUnshipped(current, actor.ID) {
			return domain.Order{}, domain.NewConflictError("lines of seller %s are already shipped", actor.ID)
		}
		markShipped(&next, actor.ID)
		if next.AllShipped() {
			next.Status = domain.OrderStatusShipped
		} else {
			next.Status = from
		}
		return next, nil
	}

	if target == domain.OrderStatusShipped && !from.AtLeast(domain.OrderStatusPaid) {
		return domain.Order{}, domain.NewConflictError("order %s is not paid yet", current.ID)
	}
	return domain.Order{}, domain.NewConflictError("vendor cannot move order from %s to %s", from, target)
}

// markShipped отмечает отгрузку позиций продавца; пустой sellerID: все позиции.
func markShipped(order *domain.Order, sellerID string) {
	for i := range order.Items {
		if sellerID == "" || order.Items[i].SellerID == sellerID {
			order.Items[i].Shipped = true
		}
	}
}

func hasUnshipped(order domain.Order, sellerID string) bool {
	for _, item := range order.Items {
		if item.SellerID == sellerID && !item.Shipped {
			return true
		}
	}
	return false
}
