package jobs

// Authorize は caller がジョブの所有者かどうかを検証します。
// 拒否理由にレコードの内容は含めません。
func Authorize(record *Record, caller string) error {
	if caller == "" {
		return newError(KindForbidden, "UNAUTHORIZED", "missing caller identity", nil)
	}
	if record == nil || record.Owner != caller {
		return newError(KindForbidden, "FORBIDDEN", "you do not own this job", nil)
	}
	return nil
}
