package bundler

var ReceiptOutcomesTotal = receiptOutcomesTotal
