package database

import "gorm.io/gorm"

const argumentTagLinks = "argument_tag_links"

// ClearArguments removes every argument of the binary together with its tag
// links. Profile pairs that referenced them go with them.
func ClearArguments(tx *gorm.DB, binaryID uint) error {
	ids := tx.Model(&Argument{}).Select("id").Where("binary_id = ?", binaryID)
	if err := tx.Exec("DELETE FROM "+argumentTagLinks+" WHERE argument_id IN (?)", ids).Error; err != nil {
		return err
	}
	return tx.Where("binary_id = ?", binaryID).Delete(&Argument{}).Error
}

// DeleteBinary removes a binary and everything that depends on it.
func DeleteBinary(tx *gorm.DB, binaryID uint) error {
	if err := ClearArguments(tx, binaryID); err != nil {
		return err
	}
	return tx.Delete(&Binary{}, binaryID).Error
}
