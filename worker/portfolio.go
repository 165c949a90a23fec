package worker

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/nftfolio/backend/service/logger"
	"github.com/nftfolio/backend/service/portfolio"
	"github.com/nftfolio/backend/service/queue"
)

// processPortfolio recalculates one wallet's summary, streaming progress onto
// the job record so pollers can watch the calculation advance.
func processPortfolio(calculator *portfolio.Calculator) queue.Handler {
	return func(ctx context.Context, job *queue.Job) error {
		payload := portfolio.PortfolioJob{}
		if err := job.UnmarshalData(&payload); err != nil {
			return err
		}

		ctx = logger.NewContextWithFields(ctx, logrus.Fields{"address": payload.Address})
		logger.For(ctx).Infof("calculating portfolio for %s", payload.Address)

		summary, err := calculator.Calculate(ctx, payload.Address, func(progress portfolio.Progress) {
			job.UpdateProgress(ctx, progress)
		})
		if err != nil {
			return err
		}

		logger.For(ctx).Infof("portfolio for %s: %d nfts across %d collections worth %f eth",
			payload.Address, summary.NFTCount, summary.CollectionCount, summary.TotalValueEth)
		return nil
	}
}
