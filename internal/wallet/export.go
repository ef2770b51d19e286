package wallet

import (
	"context"
	"fmt"
	"io"

	"github.com/tealeg/xlsx"
)

var statementHeaders = []string{
	"Sequence", "Date", "Type", "Amount", "Balance Before", "Balance After", "Description", "Reference", "Created By",
}

// ExportTransactions writes the wallet's full ledger, oldest first, as an
// xlsx statement.
func (s *Service) ExportTransactions(ctx context.Context, userID string, w io.Writer) error {
	wallet, err := s.repo.FindWalletByUserID(ctx, userID)
	if err != nil {
		return err
	}
	log, err := s.repo.TransactionLog(ctx, wallet.ID)
	if err != nil {
		return err
	}

	file := xlsx.NewFile()
	sheet, err := file.AddSheet("Statement")
	if err != nil {
		return fmt.Errorf("failed to create statement sheet: %w", err)
	}

	titleRow := sheet.AddRow()
	titleRow.AddCell().SetString(fmt.Sprintf("Wallet statement %s (%s)", wallet.ID, wallet.Currency))
	balanceRow := sheet.AddRow()
	balanceRow.AddCell().SetString("Current balance")
	balanceRow.AddCell().SetString(wallet.Balance.StringFixed(2))
	sheet.AddRow()

	bold := xlsx.NewStyle()
	font := xlsx.DefaultFont()
	font.Bold = true
	bold.Font = *font

	headerRow := sheet.AddRow()
	for _, h := range statementHeaders {
		cell := headerRow.AddCell()
		cell.SetString(h)
		cell.SetStyle(bold)
	}

	for _, t := range log {
		row := sheet.AddRow()
		row.AddCell().SetInt(int(t.Sequence))
		row.AddCell().SetString(t.CreatedAt.UTC().Format("2006-01-02 15:04:05"))
		row.AddCell().SetString(string(t.Type))
		row.AddCell().SetString(t.Amount.StringFixed(2))
		row.AddCell().SetString(t.BalanceBefore.StringFixed(2))
		row.AddCell().SetString(t.BalanceAfter.StringFixed(2))
		row.AddCell().SetString(t.Description)
		ref := ""
		if t.ReferenceID != nil {
			ref = *t.ReferenceID
		}
		row.AddCell().SetString(ref)
		row.AddCell().SetString(t.CreatedByID)
	}

	if err := file.Write(w); err != nil {
		return fmt.Errorf("failed to write statement: %w", err)
	}
	return nil
}
